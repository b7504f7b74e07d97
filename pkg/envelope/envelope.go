// Package envelope is the FlatBuffers table framing every binary message
// exchanged with the rendering backend.
//
// Schema:
//
//	enum ContentType : ubyte { UNKNOWN = 0, JSON_BATCH = 1, ENCODED_IMAGE = 2, JSON_EVENT = 3 }
//	table Envelope {
//	  topic:string;
//	  timestamp_ns:long;
//	  content_type:ContentType;
//	  sequence:ulong;
//	  payload:[ubyte];
//	}
//	root_type Envelope;
package envelope

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// ContentType tags the payload encoding.
type ContentType byte

const (
	ContentTypeUnknown      ContentType = 0
	ContentTypeJSONBatch    ContentType = 1
	ContentTypeEncodedImage ContentType = 2
	ContentTypeJSONEvent    ContentType = 3
)

var contentTypeNames = map[ContentType]string{
	ContentTypeUnknown:      "UNKNOWN",
	ContentTypeJSONBatch:    "JSON_BATCH",
	ContentTypeEncodedImage: "ENCODED_IMAGE",
	ContentTypeJSONEvent:    "JSON_EVENT",
}

func (v ContentType) String() string {
	if s, ok := contentTypeNames[v]; ok {
		return s
	}
	return fmt.Sprintf("ContentType(%d)", byte(v))
}

// ErrMalformed is returned by Parse for buffers that are not an Envelope.
var ErrMalformed = errors.New("malformed envelope")

// Vtable slots
const (
	slotTopic       = 4
	slotTimestampNs = 6
	slotContentType = 8
	slotSequence    = 10
	slotPayload     = 12
)

// Envelope is a read view over a finished buffer.
type Envelope struct {
	_tab flatbuffers.Table
}

// GetRootAsEnvelope reads the root table of buf.
func GetRootAsEnvelope(buf []byte, offset flatbuffers.UOffsetT) *Envelope {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &Envelope{}
	x.Init(buf, n+offset)
	return x
}

// Init points the view at position i of buf.
func (rcv *Envelope) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *Envelope) Topic() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(slotTopic))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *Envelope) TimestampNs() int64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(slotTimestampNs))
	if o != 0 {
		return rcv._tab.GetInt64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Envelope) ContentType() ContentType {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(slotContentType))
	if o != 0 {
		return ContentType(rcv._tab.GetByte(o + rcv._tab.Pos))
	}
	return ContentTypeUnknown
}

func (rcv *Envelope) Sequence() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(slotSequence))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *Envelope) PayloadBytes() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(slotPayload))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func EnvelopeStart(builder *flatbuffers.Builder) {
	builder.StartObject(5)
}
func EnvelopeAddTopic(builder *flatbuffers.Builder, topic flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(0, topic, 0)
}
func EnvelopeAddTimestampNs(builder *flatbuffers.Builder, timestampNs int64) {
	builder.PrependInt64Slot(1, timestampNs, 0)
}
func EnvelopeAddContentType(builder *flatbuffers.Builder, contentType ContentType) {
	builder.PrependByteSlot(2, byte(contentType), 0)
}
func EnvelopeAddSequence(builder *flatbuffers.Builder, sequence uint64) {
	builder.PrependUint64Slot(3, sequence, 0)
}
func EnvelopeAddPayload(builder *flatbuffers.Builder, payload flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(4, payload, 0)
}
func EnvelopeEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

// Message is the decoded form of an Envelope.
type Message struct {
	Topic       string
	TimestampNs int64
	ContentType ContentType
	Sequence    uint64
	Payload     []byte
}

// Build serializes m into a finished FlatBuffer.
func Build(m Message) []byte {
	builder := flatbuffers.NewBuilder(len(m.Payload) + len(m.Topic) + 64)
	topicOffset := builder.CreateString(m.Topic)
	payloadOffset := builder.CreateByteVector(m.Payload)

	EnvelopeStart(builder)
	EnvelopeAddTopic(builder, topicOffset)
	EnvelopeAddTimestampNs(builder, m.TimestampNs)
	EnvelopeAddContentType(builder, m.ContentType)
	EnvelopeAddSequence(builder, m.Sequence)
	EnvelopeAddPayload(builder, payloadOffset)
	builder.Finish(EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// Parse decodes data. Out-of-range offsets in a corrupt buffer make the
// flatbuffers accessors panic; Parse turns that into ErrMalformed.
func Parse(data []byte) (m Message, err error) {
	if len(data) < 8 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			m = Message{}
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	e := GetRootAsEnvelope(data, 0)
	payload := e.PayloadBytes()
	m = Message{
		Topic:       string(e.Topic()),
		TimestampNs: e.TimestampNs(),
		ContentType: e.ContentType(),
		Sequence:    e.Sequence(),
		Payload:     append([]byte(nil), payload...),
	}
	if m.Topic == "" {
		return Message{}, fmt.Errorf("%w: missing topic", ErrMalformed)
	}
	return m, nil
}
