// Package notify delivers best-effort notifications about workflow events.
// Delivery never affects the outcome of the write that produced the event.
package notify

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"buildline/internal/metrics"
)

// Notification describes one committed workflow event.
type Notification struct {
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

const defaultQueueSize = 256

// Dispatcher delivers notifications from a bounded queue on a background worker.
// Send never blocks: when the queue is full the notification is dropped and counted.
// Build it with NewDispatcher.
type Dispatcher struct {
	Sinks   []Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewDispatcher starts the delivery worker. queueSize <= 0 uses the default.
func NewDispatcher(sinks []Sink, logger *zap.Logger, m *metrics.Metrics, queueSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		Sinks:   sinks,
		Logger:  logger,
		Metrics: m,
		queue:   make(chan Notification, queueSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

// Send queues n and returns immediately.
func (d *Dispatcher) Send(n Notification) {
	if d == nil || len(d.Sinks) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.queue == nil {
		d.drop(n, "dispatcher closed")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
}

// Close stops accepting notifications and waits until the queued ones are delivered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed || d.queue == nil {
		d.closed = true
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) deliver(n Notification) {
	ctx := context.Background()
	for _, s := range d.Sinks {
		if err := s.Notify(ctx, n); err != nil {
			d.Logger.Warn("notification failed",
				zap.String("sink", s.Name()),
				zap.String("type", n.Type),
				zap.String("entity_id", n.EntityID),
				zap.Error(err))
			if d.Metrics != nil {
				d.Metrics.NotifyFailures.WithLabelValues(s.Name()).Inc()
			}
		}
	}
}

func (d *Dispatcher) drop(n Notification, why string) {
	if d.Logger != nil {
		d.Logger.Warn("notification dropped",
			zap.String("reason", why),
			zap.String("type", n.Type),
			zap.String("entity_id", n.EntityID))
	}
	if d.Metrics != nil {
		d.Metrics.NotifyFailures.WithLabelValues("queue").Inc()
	}
}

// LogSink writes notifications to the logger.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		zap.String("type", n.Type),
		zap.String("project_id", n.ProjectID),
		zap.String("entity_kind", n.EntityKind),
		zap.String("entity_id", n.EntityID),
		zap.String("actor_id", n.ActorID),
		zap.Any("payload", n.Payload))
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
