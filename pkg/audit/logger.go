package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// LoggerConfig holds audit logger configuration.
type LoggerConfig struct {
	// QueueSize bounds the in-flight event buffer.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// EnqueueTimeout bounds how long Record may block when the queue is
	// full before degrading to the fallback sink.
	EnqueueTimeout time.Duration `json:"enqueue_timeout" yaml:"enqueue_timeout"`

	// FlushInterval is how often buffered events are written even when the
	// batch is not full.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// BatchSize is the maximum number of events written per backend call.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// BreakerOpenTimeout is how long the backend breaker stays open after
	// tripping before probing again.
	BreakerOpenTimeout time.Duration `json:"breaker_open_timeout" yaml:"breaker_open_timeout"`

	// OnFallback is invoked whenever an event is diverted to the fallback
	// sink, e.g. to feed a metric.
	OnFallback func(*Event) `json:"-" yaml:"-"`
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		QueueSize:          4096,
		EnqueueTimeout:     50 * time.Millisecond,
		FlushInterval:      time.Second,
		BatchSize:          128,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

func (c *LoggerConfig) applyDefaults() {
	defaults := DefaultLoggerConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaults.EnqueueTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = defaults.BreakerOpenTimeout
	}
}

// Logger owns the append cursor of the tamper-evident event chain and writes
// events to a durable backend asynchronously. Recording never fails the
// caller: when the queue is saturated or the backend breaker is open, events
// degrade to the local fallback sink instead of blocking the request path.
type Logger struct {
	config  LoggerConfig
	backend Backend
	breaker *gobreaker.CircuitBreaker

	queue chan *Event

	// chainMutex guards the append cursor and the enqueue together:
	// backend write order must match hash assignment order or an exported
	// trail fails verification.
	chainMutex sync.Mutex
	prevHash   string

	fallback *slog.Logger
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewLogger creates an audit logger over the given backend. The fallback
// sink receives events that cannot reach the backend.
func NewLogger(config LoggerConfig, backend Backend, logger *slog.Logger) *Logger {
	config.applyDefaults()

	al := &Logger{
		config:   config,
		backend:  backend,
		queue:    make(chan *Event, config.QueueSize),
		fallback: logger.With(slog.String("component", "audit_fallback")),
		logger:   logger.With(slog.String("component", "audit")),
		stopCh:   make(chan struct{}),
	}

	al.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "audit-backend",
		Timeout: config.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			al.logger.Warn("Audit backend breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	al.wg.Add(1)
	go al.flushLoop()

	return al
}

// Record appends an event to the chain and queues it for persistence. It
// never returns an error: persistence failures degrade to the fallback sink
// so that a broken audit backend cannot fail or block the request path.
func (al *Logger) Record(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if err := event.Validate(); err != nil {
		al.logger.Warn("Dropping invalid audit event", "error", err)
		return
	}

	// The enqueue happens under the cursor lock so the queue (and thus the
	// backend) receives events in hash order. A diverted event does not
	// advance the cursor: the durable chain stays link-verifiable and the
	// fallback record carries the hashes it was assigned.
	al.chainMutex.Lock()
	event.PreviousHash = al.prevHash
	hash, err := event.ComputeHash()
	if err != nil {
		al.chainMutex.Unlock()
		al.logger.Error("Failed to hash audit event", "error", err)
		return
	}
	event.Hash = hash

	select {
	case al.queue <- event:
		al.prevHash = hash
		al.chainMutex.Unlock()
	case <-time.After(al.config.EnqueueTimeout):
		al.chainMutex.Unlock()
		al.writeFallback(event, "queue saturated")
	case <-ctx.Done():
		al.chainMutex.Unlock()
		al.writeFallback(event, "request cancelled")
	}
}

// Export returns events matching the filter from the durable backend.
func (al *Logger) Export(ctx context.Context, query *Query) ([]*Event, error) {
	events, err := al.backend.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("audit export failed: %w", err)
	}
	return events, nil
}

// Purge removes events recorded before the cutoff. The chain is re-anchored
// at the purge boundary and the purge itself is recorded, so retention runs
// are as observable as the events they remove.
func (al *Logger) Purge(ctx context.Context, before time.Time, actor string) (int, error) {
	removed, err := al.backend.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("audit purge failed: %w", err)
	}

	al.Record(ctx, NewEvent("audit.purge").
		WithActor(actor).
		WithResource("audit-trail").
		WithOutcome(OutcomeAllow).
		WithDetail("cutoff", before.UTC().Format(time.RFC3339)).
		WithDetail("removed", fmt.Sprintf("%d", removed)).
		Build())

	return removed, nil
}

// Close drains the queue and shuts down the flusher.
func (al *Logger) Close() error {
	al.stopped.Do(func() {
		close(al.stopCh)
	})
	al.wg.Wait()
	return al.backend.Close()
}

func (al *Logger) flushLoop() {
	defer al.wg.Done()

	ticker := time.NewTicker(al.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, al.config.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		al.writeBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-al.queue:
			batch = append(batch, event)
			if len(batch) >= al.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-al.stopCh:
			// Drain whatever is left before exiting.
			for {
				select {
				case event := <-al.queue:
					batch = append(batch, event)
					if len(batch) >= al.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (al *Logger) writeBatch(batch []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := al.breaker.Execute(func() (interface{}, error) {
		return nil, al.backend.WriteEvents(ctx, batch)
	})
	if err != nil {
		for _, event := range batch {
			al.writeFallback(event, err.Error())
		}
	}
}

// writeFallback emits the event to the local structured log so a failing
// backend never loses the record entirely.
func (al *Logger) writeFallback(event *Event, reason string) {
	if al.config.OnFallback != nil {
		al.config.OnFallback(event)
	}
	al.fallback.Warn("audit event",
		slog.String("reason", reason),
		slog.String("event_id", event.ID),
		slog.String("actor", event.Actor),
		slog.String("action", event.Action),
		slog.String("resource", event.Resource),
		slog.String("outcome", string(event.Outcome)),
		slog.String("hash", event.Hash),
		slog.String("previous_hash", event.PreviousHash))
}
