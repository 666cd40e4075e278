package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/logging"
)

// streamKey resolves the requested stream from ?stream=, ?execution_id= or ?workflow_id=
func streamKey(r *http.Request) (string, bool) {
	q := r.URL.Query()
	switch {
	case q.Get("execution_id") != "":
		return events.ExecutionStream(q.Get("execution_id")), true
	case q.Get("workflow_id") != "":
		return events.WorkflowStream(q.Get("workflow_id")), true
	}
	key := q.Get("stream")
	return key, validStream(key)
}

// validStream reports whether key names an execution or workflow stream
func validStream(key string) bool {
	kind, id, ok := strings.Cut(key, ":")
	return ok && id != "" && (kind == "execution" || kind == "workflow")
}

// relay forwards one bus stream into the SSE server while it has listeners
type relay struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *relay) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// eventStreamer serves bus streams as server-sent events
type eventStreamer struct {
	bus      *events.Bus
	server   *sse.Server
	finished func(ctx context.Context, key string) bool
	logger   logging.Logger

	mu     sync.Mutex
	relays map[string]*relay
}

func newEventStreamer(bus *events.Bus, finished func(ctx context.Context, key string) bool, logger logging.Logger) *eventStreamer {
	server := sse.New()
	server.AutoStream = false
	server.AutoReplay = false
	server.Headers = map[string]string{"X-Accel-Buffering": "no"}

	return &eventStreamer{
		bus:      bus,
		server:   server,
		finished: finished,
		logger:   logger,
		relays:   make(map[string]*relay),
	}
}

// ServeHTTP holds the connection open and streams events until the client leaves
// or the execution stream is closed
func (e *eventStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming is disabled")
		return
	}
	key, ok := streamKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "stream must be execution:<id> or workflow:<id>")
		return
	}

	rl, live := e.acquire(r.Context(), key)
	if !live {
		writeError(w, http.StatusGone, "execution has already finished")
		return
	}
	defer e.release(key, rl)

	q := r.URL.Query()
	q.Set("stream", key)
	r.URL.RawQuery = q.Encode()
	e.server.ServeHTTP(w, r)
}

// acquire returns the live relay of key, starting one for the first listener.
// It reports false for the stream of an execution that has already ended.
func (e *eventStreamer) acquire(ctx context.Context, key string) (*relay, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rl, ok := e.relays[key]; ok && !rl.finished() && e.server.StreamExists(key) {
		rl.refs++
		return rl, true
	}

	// subscribe before checking so a run ending in between still closes the subscription
	sub := e.bus.Subscribe(key)
	if e.finished != nil && e.finished(ctx, key) {
		sub.Close()
		return nil, false
	}

	if !e.server.StreamExists(key) {
		e.server.CreateStream(key)
	}
	relayCtx, cancel := context.WithCancel(context.Background())
	rl := &relay{refs: 1, cancel: cancel, done: make(chan struct{})}
	e.relays[key] = rl

	go e.forward(relayCtx, key, rl, sub)
	return rl, true
}

func (e *eventStreamer) release(key string, rl *relay) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rl.refs--
	if rl.refs > 0 {
		return
	}
	rl.cancel()
	if e.relays[key] == rl {
		delete(e.relays, key)
		if e.server.StreamExists(key) {
			e.server.RemoveStream(key)
		}
	}
}

// forward copies bus events into the SSE stream. When the bus closes the
// stream the SSE stream is removed, which ends every open response.
func (e *eventStreamer) forward(ctx context.Context, key string, rl *relay, sub *events.Subscription) {
	defer sub.Close()
	defer close(rl.done)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrStreamClosed) {
				e.mu.Lock()
				if e.relays[key] == rl && e.server.StreamExists(key) {
					e.server.RemoveStream(key)
				}
				e.mu.Unlock()
			}
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			e.logger.Warn("failed to encode event", logging.F("stream", key), logging.Err(err))
			continue
		}
		e.server.Publish(key, &sse.Event{
			ID:    []byte(strconv.FormatUint(ev.Seq, 10)),
			Event: []byte(ev.Type),
			Data:  data,
		})
	}
}

// Close ends every relay and open SSE response
func (e *eventStreamer) Close() {
	e.mu.Lock()
	for key, rl := range e.relays {
		rl.cancel()
		delete(e.relays, key)
	}
	e.mu.Unlock()
	e.server.Close()
}
