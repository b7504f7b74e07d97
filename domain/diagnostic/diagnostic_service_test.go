package diagnostic

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/open-teleop/motionctrl/pkg/pipeline"
	"github.com/open-teleop/motionctrl/pkg/processing"
	"github.com/open-teleop/motionctrl/pkg/session"
)

type fakeSessions struct{}

func (fakeSessions) Stats() []session.SessionStats {
	return []session.SessionStats{{ID: "abc", Pipeline: pipeline.Stats{Batches: 3}}}
}

type fakePool struct{}

func (fakePool) GetMetrics() processing.PoolMetrics {
	return processing.PoolMetrics{ProcessedCount: 7, DroppedCount: 1}
}
func (fakePool) GetQueueLength() int   { return 2 }
func (fakePool) GetQueueCapacity() int { return 64 }

type fakeTopics struct{}

func (fakeTopics) GetTopicStats() map[string]map[string]interface{} {
	return map[string]map[string]interface{}{"render.batch.abc": {"count": 3}}
}

func TestGetMetrics(t *testing.T) {
	svc := NewDiagnosticService("zeromq", fakeSessions{}, fakePool{}, fakeTopics{})
	svc.SetConnectionStats(func() interface{} { return map[string]bool{"connected": true} })

	m := svc.GetMetrics()
	if m.Transport != "zeromq" {
		t.Errorf("Expected transport zeromq, got %s", m.Transport)
	}
	if len(m.Sessions) != 1 || m.Sessions[0].Pipeline.Batches != 3 {
		t.Errorf("Unexpected sessions %+v", m.Sessions)
	}
	if m.FramePool == nil || m.FramePool.Processed != 7 || m.FramePool.Dropped != 1 || m.FramePool.QueueCapacity != 64 {
		t.Errorf("Unexpected pool stats %+v", m.FramePool)
	}
	if _, ok := m.Topics["render.batch.abc"]; !ok {
		t.Errorf("Expected topic stats, got %v", m.Topics)
	}
	if m.Connection == nil {
		t.Errorf("Expected connection stats")
	}
}

func TestGetMetricsWithoutSources(t *testing.T) {
	m := NewDiagnosticService("mqtt", nil, nil, nil).GetMetrics()

	if m.Sessions == nil || m.Topics == nil {
		t.Errorf("Expected empty, non-nil collections")
	}
	if m.FramePool != nil {
		t.Errorf("Expected no pool stats, got %+v", m.FramePool)
	}
}

func TestGetMetricsHandler(t *testing.T) {
	svc := NewDiagnosticService("zeromq", fakeSessions{}, fakePool{}, fakeTopics{})
	app := fiber.New()
	app.Get("/api/diagnostics", svc.GetMetricsHandler)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/diagnostics", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var decoded struct {
		Status  string `json:"status"`
		Metrics struct {
			Sessions []struct {
				ID string `json:"id"`
			} `json:"sessions"`
			FramePool struct {
				Processed int64 `json:"processed"`
			} `json:"frame_pool"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if decoded.Status != "success" || len(decoded.Metrics.Sessions) != 1 || decoded.Metrics.FramePool.Processed != 7 {
		t.Errorf("Unexpected body %s", body)
	}
}
