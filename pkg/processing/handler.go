package processing

import (
	customlog "github.com/open-teleop/motionctrl/pkg/log"
)

// FrameSink receives processed frames for display.
type FrameSink interface {
	DeliverFrame(sessionID string, frame []byte, timestamp int64) error
}

// DeliveryResultHandler logs processing results and forwards frames to the sink
type DeliveryResultHandler struct {
	logger customlog.Logger
	sink   FrameSink
}

// NewDeliveryResultHandler creates a new delivery result handler
func NewDeliveryResultHandler(logger customlog.Logger, sink FrameSink) *DeliveryResultHandler {
	return &DeliveryResultHandler{
		logger: logger,
		sink:   sink,
	}
}

// HandleResult handles a processed frame
func (h *DeliveryResultHandler) HandleResult(result *ProcessResult) {
	if result.Error != nil {
		h.logger.Errorf("Dropping frame for session '%s': %v", result.SessionID, result.Error)
		return
	}

	if err := h.sink.DeliverFrame(result.SessionID, result.Data, result.Timestamp); err != nil {
		h.logger.Warnf("Failed to deliver frame for session '%s': %v", result.SessionID, err)
		return
	}
	h.logger.Debugf("Delivered frame for session '%s' (%d bytes)", result.SessionID, len(result.Data))
}

// CreateHandlerFunc creates a ResultHandler function for the ProcessingPool
func (h *DeliveryResultHandler) CreateHandlerFunc() ResultHandler {
	return func(processResult *ProcessResult) {
		if processResult == nil {
			h.logger.Errorf("Received nil ProcessResult")
			return
		}
		h.HandleResult(processResult)
	}
}
