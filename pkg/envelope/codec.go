package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/open-teleop/motionctrl/pkg/pipeline"
)

// EncodeBatch wraps batch as JSON in a JSON_BATCH envelope published on topic.
func EncodeBatch(topic string, batch *pipeline.Batch) ([]byte, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	return Build(Message{
		Topic:       topic,
		TimestampNs: time.Now().UnixNano(),
		ContentType: ContentTypeJSONBatch,
		Sequence:    batch.Sequence,
		Payload:     payload,
	}), nil
}

// DecodeBase64Image decodes a base64 image, accepting an optional data URL prefix.
func DecodeBase64Image(b64 string) ([]byte, error) {
	if strings.HasPrefix(b64, "data:") {
		_, rest, ok := strings.Cut(b64, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		b64 = rest
	}
	if b64 == "" {
		return nil, fmt.Errorf("empty image")
	}

	image, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return image, nil
}
