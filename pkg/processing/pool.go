package processing

import (
	"sync"
	"time"

	customlog "github.com/open-teleop/motionctrl/pkg/log"
)

// FrameJob is a rendered frame returned by the backend for one session.
type FrameJob struct {
	SessionID  string
	Topic      string
	Image      []byte
	ReceivedAt int64 // unix nanoseconds
}

// ProcessResult is the result of processing a frame
type ProcessResult struct {
	SessionID string
	Topic     string
	Data      []byte
	Timestamp int64
	Error     error
}

// ResultHandler is a function that handles processed results
type ResultHandler func(result *ProcessResult)

// MessageProcessor turns a received frame into the bytes shown to the operator
type MessageProcessor func(job *FrameJob) ([]byte, error)

// ProcessingPool is a named worker pool fed through a bounded queue
type ProcessingPool struct {
	name          string
	workerCount   int
	logger        customlog.Logger
	jobQueue      chan *FrameJob
	running       bool
	wg            sync.WaitGroup
	mu            sync.Mutex
	processor     MessageProcessor
	resultHandler ResultHandler
	queueSize     int
	metrics       *PoolMetrics
}

// PoolMetrics tracks metrics for a processing pool
type PoolMetrics struct {
	ProcessedCount    int64 `json:"processed"`
	ErrorCount        int64 `json:"errors"`
	QueuedCount       int64 `json:"queued"`
	DroppedCount      int64 `json:"dropped"`
	LastProcessedTime int64 `json:"last_processed_ns"`
	ProcessingTimeAvg int64 `json:"processing_avg_us"` // in microseconds
	ProcessingTimeMax int64 `json:"processing_max_us"` // in microseconds
	mu                sync.Mutex
}

// NewProcessingPool creates a new processing pool
func NewProcessingPool(
	name string,
	workerCount int,
	queueSize int,
	logger customlog.Logger,
) *ProcessingPool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &ProcessingPool{
		name:        name,
		workerCount: workerCount,
		queueSize:   queueSize,
		logger:      logger,
		jobQueue:    make(chan *FrameJob, queueSize),
		metrics:     &PoolMetrics{},
	}
}

// SetProcessor sets the frame processor function
func (p *ProcessingPool) SetProcessor(processor MessageProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processor = processor
}

// SetResultHandler sets the result handler function
func (p *ProcessingPool) SetResultHandler(handler ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resultHandler = handler
}

// ProcessMessage adds a frame to the queue. It never blocks; a full queue drops the frame.
func (p *ProcessingPool) ProcessMessage(job *FrameJob) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		p.logger.Warnf("%s pool not running, discarding frame for session %s", p.name, job.SessionID)
		return false
	}

	select {
	case p.jobQueue <- job:
		p.metrics.mu.Lock()
		p.metrics.QueuedCount++
		p.metrics.mu.Unlock()
		return true
	default:
		p.metrics.mu.Lock()
		p.metrics.DroppedCount++
		p.metrics.mu.Unlock()
		p.logger.Warnf("%s pool queue is full, discarding frame for session %s", p.name, job.SessionID)
		return false
	}
}

// Start starts the processing pool workers
func (p *ProcessingPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.logger.Infof("Starting %s pool with %d workers", p.name, p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop stops the processing pool after draining queued frames
func (p *ProcessingPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	// Closing under the lock keeps ProcessMessage from sending on a closed channel
	close(p.jobQueue)
	p.mu.Unlock()

	p.logger.Infof("Stopping %s pool", p.name)
	p.wg.Wait()
	p.logger.Infof("%s pool stopped", p.name)

	p.logMetrics()
}

// worker processes frames from the queue
func (p *ProcessingPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debugf("%s pool worker %d started", p.name, id)

	for job := range p.jobQueue {
		p.mu.Lock()
		processor := p.processor
		resultHandler := p.resultHandler
		p.mu.Unlock()

		if processor == nil {
			p.logger.Errorf("No frame processor set for %s pool", p.name)
			continue
		}

		started := time.Now()
		data, err := processor(job)
		p.metrics.observe(time.Since(started), err)

		if err != nil {
			p.logger.Errorf("Error processing frame for session %s in %s pool: %v", job.SessionID, p.name, err)
		}

		if resultHandler != nil {
			resultHandler(&ProcessResult{
				SessionID: job.SessionID,
				Topic:     job.Topic,
				Data:      data,
				Timestamp: job.ReceivedAt,
				Error:     err,
			})
		}
	}

	p.logger.Debugf("%s pool worker %d stopped", p.name, id)
}

// observe folds one processed frame into the metrics. The average is
// exponentially weighted with alpha 1/8.
func (m *PoolMetrics) observe(elapsed time.Duration, err error) {
	us := elapsed.Microseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ProcessedCount++
	m.LastProcessedTime = time.Now().UnixNano()
	if m.ProcessedCount == 1 {
		m.ProcessingTimeAvg = us
	} else {
		m.ProcessingTimeAvg += (us - m.ProcessingTimeAvg) / 8
	}
	m.ProcessingTimeMax = max(m.ProcessingTimeMax, us)
	if err != nil {
		m.ErrorCount++
	}
}

// GetMetrics returns a copy of the current metrics
func (p *ProcessingPool) GetMetrics() PoolMetrics {
	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	return PoolMetrics{
		ProcessedCount:    p.metrics.ProcessedCount,
		ErrorCount:        p.metrics.ErrorCount,
		QueuedCount:       p.metrics.QueuedCount,
		DroppedCount:      p.metrics.DroppedCount,
		LastProcessedTime: p.metrics.LastProcessedTime,
		ProcessingTimeAvg: p.metrics.ProcessingTimeAvg,
		ProcessingTimeMax: p.metrics.ProcessingTimeMax,
	}
}

func (p *ProcessingPool) logMetrics() {
	metrics := p.GetMetrics()

	p.logger.Infof("%s pool metrics: processed=%d, errors=%d, dropped=%d, avg_time=%dµs, max_time=%dµs",
		p.name, metrics.ProcessedCount, metrics.ErrorCount, metrics.DroppedCount,
		metrics.ProcessingTimeAvg, metrics.ProcessingTimeMax)
}

// GetName returns the pool name
func (p *ProcessingPool) GetName() string {
	return p.name
}

// GetQueueLength returns the current length of the job queue
func (p *ProcessingPool) GetQueueLength() int {
	return len(p.jobQueue)
}

// GetQueueCapacity returns the capacity of the job queue
func (p *ProcessingPool) GetQueueCapacity() int {
	return p.queueSize
}
