package mqtt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/open-teleop/motionctrl/pkg/config"
	"github.com/open-teleop/motionctrl/pkg/envelope"
	customlog "github.com/open-teleop/motionctrl/pkg/log"
	"github.com/open-teleop/motionctrl/pkg/pipeline"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool { return true }

func (t doneToken) WaitTimeout(_ time.Duration) bool { return true }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of paho.Client the service uses
type fakeClient struct {
	paho.Client
	messages   []published
	publishErr error
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.messages = append(c.messages, published{topic, qos, payload.([]byte)})
	return doneToken{err: c.publishErr}
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type fakeReplies struct {
	sessions []string
	images   [][]byte
}

func (f *fakeReplies) HandleReply(sessionID string, image []byte, receivedAt int64) error {
	f.sessions = append(f.sessions, sessionID)
	f.images = append(f.images, image)
	return nil
}

func newTestService() (*Service, *fakeClient) {
	boot := config.MQTTBootstrap{Broker: "tcp://localhost:1883", ClientID: "test", TopicPrefix: "motionctrl", QoS: 1}
	s := NewService(boot, customlog.NewNopLogger())
	client := &fakeClient{}
	s.client = client
	s.setConnected(true)
	return s, client
}

func TestTopics(t *testing.T) {
	s, _ := newTestService()

	if batch, frame := s.SessionTopics("abc"); batch != "motionctrl/abc/batch" || frame != "motionctrl/abc/frame" {
		t.Errorf("Unexpected session topics %s %s", batch, frame)
	}
	if sid, ok := s.SessionFromFrameTopic(s.FrameTopic("abc")); !ok || sid != "abc" {
		t.Errorf("Expected frame topic to round-trip, got %q %v", sid, ok)
	}
	if got := s.BatchTopic("abc"); got != "motionctrl/abc/batch" {
		t.Errorf("Expected motionctrl/abc/batch, got %s", got)
	}
	if got := s.FrameSubscription(); got != "motionctrl/+/frame" {
		t.Errorf("Expected motionctrl/+/frame, got %s", got)
	}

	if sid, ok := s.SessionFromFrameTopic("motionctrl/abc/frame"); !ok || sid != "abc" {
		t.Errorf("Expected session abc, got %q (%v)", sid, ok)
	}
	for _, topic := range []string{"motionctrl/abc/batch", "other/abc/frame", "motionctrl//frame", "motionctrl/a/b/frame"} {
		if _, ok := s.SessionFromFrameTopic(topic); ok {
			t.Errorf("Expected %s to be rejected", topic)
		}
	}
}

func TestPublishBatch(t *testing.T) {
	s, client := newTestService()

	batchTopic, _ := s.SessionTopics("abc")
	if err := s.PublishBatch(batchTopic, &pipeline.Batch{SessionID: "abc", Sequence: 3}); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(client.messages))
	}

	got := client.messages[0]
	if got.topic != "motionctrl/abc/batch" || got.qos != 1 {
		t.Errorf("Unexpected publish %s qos=%d", got.topic, got.qos)
	}
	msg, err := envelope.Parse(got.payload)
	if err != nil {
		t.Fatalf("Payload is not an envelope: %v", err)
	}
	if msg.Sequence != 3 || msg.ContentType != envelope.ContentTypeJSONBatch {
		t.Errorf("Unexpected envelope %+v", msg)
	}

	if s.Stats().Published["motionctrl/abc/batch"] != 1 {
		t.Errorf("Expected publish to be counted, got %v", s.Stats().Published)
	}
}

func TestPublishSessionEvent(t *testing.T) {
	s, client := newTestService()

	if err := s.PublishSessionEvent("abc", "SESSION_STARTED"); err != nil {
		t.Fatalf("PublishSessionEvent failed: %v", err)
	}

	var event Event
	if err := json.Unmarshal(client.messages[0].payload, &event); err != nil {
		t.Fatalf("Event is not JSON: %v", err)
	}
	if client.messages[0].topic != "motionctrl/abc/events" || event.Type != "SESSION_STARTED" || event.RoomID != "abc" {
		t.Errorf("Unexpected event %s %+v", client.messages[0].topic, event)
	}
}

func TestPublishErrors(t *testing.T) {
	s, client := newTestService()
	client.publishErr = errors.New("broker said no")

	if err := s.PublishConfigUpdatedNotification(config.Default()); err == nil {
		t.Errorf("Expected publish error")
	}

	s.setConnected(false)
	if err := s.PublishSessionEvent("abc", "SESSION_ENDED"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if got := s.Stats().Errors; got != 2 {
		t.Errorf("Expected 2 errors, got %d", got)
	}
}

func TestHandleFrame(t *testing.T) {
	s, _ := newTestService()
	replies := &fakeReplies{}
	s.SetReplySink(replies)

	s.handleFrame(nil, fakeMessage{topic: "motionctrl/abc/frame", payload: []byte{0xff, 0xd8}})

	b64 := base64.StdEncoding.EncodeToString([]byte("png"))
	s.handleFrame(nil, fakeMessage{topic: "motionctrl/def/frame", payload: []byte(`{"b64img":"` + b64 + `"}`)})

	s.handleFrame(nil, fakeMessage{topic: "motionctrl/abc/frame", payload: []byte(`{"b64img":""}`)})
	s.handleFrame(nil, fakeMessage{topic: "motionctrl/abc/other", payload: []byte{1}})

	if len(replies.sessions) != 2 {
		t.Fatalf("Expected 2 delivered frames, got %d", len(replies.sessions))
	}
	if replies.sessions[0] != "abc" || len(replies.images[0]) != 2 {
		t.Errorf("Unexpected raw frame delivery %s %v", replies.sessions[0], replies.images[0])
	}
	if replies.sessions[1] != "def" || string(replies.images[1]) != "png" {
		t.Errorf("Unexpected json frame delivery %s %q", replies.sessions[1], replies.images[1])
	}

	stats := s.Stats()
	if stats.Received != 2 || stats.Errors != 1 {
		t.Errorf("Expected 2 received and 1 error, got %+v", stats)
	}
}
