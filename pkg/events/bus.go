// Package events fans execution progress out to live subscribers through bounded queues.
package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/flowengine/pkg/logging"
	"github.com/tcmartin/flowengine/pkg/metrics"
)

// ErrStreamClosed is returned by Next once a closed stream has been drained
var ErrStreamClosed = errors.New("event stream closed")

// Type names a lifecycle event
type Type string

const (
	ExecutionStarted   Type = "execution_started"
	ExecutionCompleted Type = "execution_completed"
	NodeStarted        Type = "node_started"
	NodeCompleted      Type = "node_completed"
	NodeFailed         Type = "node_failed"
	NodeSkipped        Type = "node_skipped"
	IterationCompleted Type = "iteration_completed"
	Heartbeat          Type = "heartbeat"
)

// Event is one progress record; Seq is monotonic per stream
type Event struct {
	Seq         uint64                 `json:"seq"`
	Stream      string                 `json:"stream"`
	Type        Type                   `json:"type"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	NodeID      string                 `json:"node_id,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ExecutionStream is the stream key of one execution
func ExecutionStream(executionID string) string {
	return "execution:" + executionID
}

// WorkflowStream is the stream key of every execution of a workflow
func WorkflowStream(workflowID string) string {
	return "workflow:" + workflowID
}

func streamKind(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

// Options configures a Bus
type Options struct {
	// QueueSize bounds each subscriber queue
	QueueSize int

	// HeartbeatInterval is the period of heartbeat events; zero disables them
	HeartbeatInterval time.Duration

	Metrics *metrics.Collector
	Logger  logging.Logger
}

type stream struct {
	seq  uint64
	subs map[string]*Subscription
}

// Bus maps stream keys to subscriber queues
type Bus struct {
	queueSize int
	heartbeat time.Duration
	metrics   *metrics.Collector
	logger    logging.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewBus creates an event bus
func NewBus(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Bus{
		queueSize: opts.QueueSize,
		heartbeat: opts.HeartbeatInterval,
		metrics:   opts.Metrics,
		logger:    opts.Logger.WithFields(logging.F("component", "event_bus")),
		streams:   make(map[string]*stream),
	}
}

// Subscribe registers a new queue on the stream
func (b *Bus) Subscribe(key string) *Subscription {
	sub := &Subscription{
		ID:     uuid.New().String(),
		Stream: key,
		bus:    b,
		buf:    make([]Event, b.queueSize),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[key]
	if !ok {
		s = &stream{subs: make(map[string]*Subscription)}
		b.streams[key] = s
	}
	s.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a queue. A stream is forgotten with its last subscriber.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if s, ok := b.streams[sub.Stream]; ok {
		delete(s.subs, sub.ID)
		if len(s.subs) == 0 {
			delete(b.streams, sub.Stream)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish stamps the event with the next sequence number of the stream and enqueues it
// for every subscriber. Events for streams nobody listens to are discarded.
// It never blocks on slow consumers.
func (b *Bus) Publish(key string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[key]
	if !ok {
		return
	}
	s.seq++
	ev.Seq = s.seq
	ev.Stream = key
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, sub := range s.subs {
		if dropped := sub.push(ev); dropped {
			b.metrics.EventsDropped(streamKind(key), 1)
		}
	}
}

// CloseStream closes every subscription of the stream and forgets it.
// Subscribers can still drain queued events.
func (b *Bus) CloseStream(key string) {
	b.mu.Lock()
	s, ok := b.streams[key]
	delete(b.streams, key)
	b.mu.Unlock()

	if !ok {
		return
	}
	for _, sub := range s.subs {
		sub.close()
	}
}

// SubscriberCount returns the number of subscribers on a stream
func (b *Bus) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[key]; ok {
		return len(s.subs)
	}
	return 0
}

// StreamCount returns the number of streams with at least one subscriber
func (b *Bus) StreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// Run emits heartbeats until ctx is done
func (b *Bus) Run(ctx context.Context) {
	if b.heartbeat <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Beat()
		}
	}
}

// Beat publishes one heartbeat to every stream that has subscribers
func (b *Bus) Beat() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.streams))
	for key, s := range b.streams {
		if len(s.subs) > 0 {
			keys = append(keys, key)
		}
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.Publish(key, Event{Type: Heartbeat})
	}
}
