package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink consumes events for a downstream collaborator (dashboard, log
// pipeline). The core never assumes how a sink renders or persists.
type Sink interface {
	Write(e Event) error
	Close() error
}

// SinkConfig holds buffering configuration shared by sinks.
type SinkConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BufferedSink decouples subscribers from a slow sink: events pass
// through a bounded channel drained by a single worker. When the buffer
// is full the event is dropped and counted rather than blocking the
// request path.
type BufferedSink struct {
	sink     Sink
	logger   *logrus.Logger
	buffer   chan Event
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	dropped int64
}

// NewBufferedSink wraps sink with an asynchronous buffer and starts the
// drain worker.
func NewBufferedSink(sink Sink, cfg SinkConfig, logger *logrus.Logger) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	bs := &BufferedSink{
		sink:     sink,
		logger:   logger,
		buffer:   make(chan Event, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}

	bs.wg.Add(1)
	go bs.drain(cfg.FlushInterval)

	return bs
}

// Handler returns a bus handler feeding this sink.
func (bs *BufferedSink) Handler() Handler {
	return func(e Event) {
		bs.mu.Lock()
		stopped := bs.stopped
		bs.mu.Unlock()
		if stopped {
			return
		}

		select {
		case bs.buffer <- e:
		default:
			bs.mu.Lock()
			bs.dropped++
			bs.mu.Unlock()
		}
	}
}

func (bs *BufferedSink) drain(flushInterval time.Duration) {
	defer bs.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-bs.buffer:
			if err := bs.sink.Write(e); err != nil {
				bs.logger.WithError(err).WithField("kind", e.Kind()).Warn("Event sink write failed")
			}
		case <-ticker.C:
			bs.reportDropped()
		case <-bs.stopChan:
			// Drain what is already buffered, then stop.
			for {
				select {
				case e := <-bs.buffer:
					if err := bs.sink.Write(e); err != nil {
						bs.logger.WithError(err).Warn("Event sink write failed during shutdown")
					}
				default:
					bs.reportDropped()
					return
				}
			}
		}
	}
}

func (bs *BufferedSink) reportDropped() {
	bs.mu.Lock()
	dropped := bs.dropped
	bs.dropped = 0
	bs.mu.Unlock()

	if dropped > 0 {
		bs.logger.WithField("dropped", dropped).Warn("Event sink buffer overflow")
	}
}

// Close stops the drain worker after flushing buffered events. Closing
// twice is safe.
func (bs *BufferedSink) Close() error {
	bs.mu.Lock()
	if bs.stopped {
		bs.mu.Unlock()
		return nil
	}
	bs.stopped = true
	bs.mu.Unlock()

	close(bs.stopChan)
	bs.wg.Wait()
	return bs.sink.Close()
}

// LogSink writes events as structured log entries.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"kind":    e.Kind(),
		"payload": json.RawMessage(payload),
	}).Info("Event")
	return nil
}

func (s *LogSink) Close() error { return nil }
