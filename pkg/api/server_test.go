package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowengine/pkg/config"
	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/loader"
	"github.com/tcmartin/flowengine/pkg/metrics"
	"github.com/tcmartin/flowengine/pkg/models"
	"github.com/tcmartin/flowengine/pkg/nodes"
	"github.com/tcmartin/flowengine/pkg/plugins"
	"github.com/tcmartin/flowengine/pkg/registry"
	"github.com/tcmartin/flowengine/pkg/runtime"
	"github.com/tcmartin/flowengine/pkg/state"
	"github.com/tcmartin/flowengine/pkg/storage"
)

const counterYAML = `
metadata:
  id: counter
  name: Counter
  description: Counts runs in workflow state
nodes:
  - id: start
    type: manual_trigger
  - id: get
    type: state_get
    config:
      key: counter
      default: 0
  - id: inc
    type: increment
  - id: set
    type: state_set
    config:
      key: counter
connections:
  - from: start.output
    to: get.input
  - from: get.value
    to: inc.value
  - from: inc.value
    to: set.value
`

const slowYAML = `
metadata:
  id: slow
  name: Slow
nodes:
  - id: start
    type: manual_trigger
  - id: wait
    type: delay
    config:
      duration: 300ms
connections:
  - from: start.output
    to: wait.input
`

type testServer struct {
	*httptest.Server
	bus *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	provider := storage.NewMemoryProvider()
	require.NoError(t, provider.Initialize(ctx))

	nodeRegistry := plugins.NewRegistry()
	require.NoError(t, nodes.Register(nodeRegistry, nodes.Options{}))

	cfg := config.DefaultConfig()
	store := state.NewStore(provider.State(), nil)
	bus := events.NewBus(events.Options{QueueSize: 1024})
	collector := metrics.NewCollector(cfg.Metrics.Namespace)

	orch := runtime.NewOrchestrator(runtime.Options{
		Workflows:    provider.Workflows(),
		Executions:   provider.Executions(),
		Nodes:        nodeRegistry,
		State:        store,
		Bus:          bus,
		Metrics:      collector,
		AwaitTimeout: 5 * time.Second,
	})

	srv := NewServer(Options{
		Config: cfg,
		Workflows: registry.NewWorkflowCatalog(provider.Workflows(), registry.Options{
			YAMLLoader: loader.NewYAMLLoader(nodeRegistry),
		}),
		Engine:  orch,
		State:   store,
		Nodes:   nodeRegistry,
		Bus:     bus,
		Metrics: collector,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(shutdownCtx)
		ts.Close()
		_ = orch.Shutdown(shutdownCtx)
	})
	return &testServer{Server: ts, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path, contentType string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return ts.do(t, method, path, "application/json", string(payload))
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (ts *testServer) createCounter(t *testing.T) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/v1/workflows", "application/yaml", counterYAML)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestHealthAndNodes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var health map[string]string
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = ts.do(t, http.MethodGet, "/api/v1/nodes", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []plugins.Metadata
	decode(t, resp, &list)
	types := make([]string, 0, len(list))
	for _, m := range list {
		types = append(types, m.Type)
	}
	assert.Contains(t, types, "manual_trigger")
	assert.Contains(t, types, "state_set")
	assert.Contains(t, types, "loop")

	resp = ts.do(t, http.MethodGet, "/api/v1/schedules", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkflowCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/workflows", "application/yaml", counterYAML)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	decode(t, resp, &created)
	assert.Equal(t, "counter", created["id"])
	assert.EqualValues(t, 1, created["version"])

	resp = ts.do(t, http.MethodPost, "/api/v1/workflows", "application/yaml", counterYAML)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/workflows", "application/yaml", "nodes: [")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.doJSON(t, http.MethodPost, "/api/v1/workflows", map[string]string{"content": slowYAML})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []registry.WorkflowInfo
	decode(t, resp, &list)
	require.Len(t, list, 2)

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wf map[string]interface{}
	decode(t, resp, &wf)
	assert.Equal(t, "Counter", wf["name"])

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter?format=yaml", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	var raw bytes.Buffer
	_, err := raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, raw.String(), "state_get")

	updated := strings.Replace(counterYAML, "name: Counter", "name: Renamed Counter", 1)
	resp = ts.do(t, http.MethodPut, "/api/v1/workflows/counter", "application/yaml", updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &created)
	assert.EqualValues(t, 2, created["version"])

	resp = ts.doJSON(t, http.MethodPost, "/api/v1/workflows/search", registry.SearchFilters{NameContains: "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "counter", list[0].ID)

	resp = ts.do(t, http.MethodDelete, "/api/v1/workflows/counter", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var apiErr errorResponse
	decode(t, resp, &apiErr)
	assert.NotEmpty(t, apiErr.Error)
}

func TestAwaitedExecutionAndState(t *testing.T) {
	ts := newTestServer(t)
	ts.createCounter(t)

	for want := 1.0; want <= 2; want++ {
		resp := ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions", map[string]interface{}{"await": true})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var started runtime.StartResponse
		decode(t, resp, &started)
		assert.Equal(t, "completed", string(started.Status))
		set, ok := started.FinalOutputs["set"].(map[string]interface{})
		require.True(t, ok, "final outputs: %v", started.FinalOutputs)
		assert.Equal(t, want, set["value"])
	}

	resp := ts.do(t, http.MethodGet, "/api/v1/workflows/counter/state/counter", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry map[string]interface{}
	decode(t, resp, &entry)
	assert.Equal(t, 2.0, entry["value"])
	assert.Equal(t, 2.0, entry["version"])
	assert.Equal(t, true, entry["found"])

	resp = ts.doJSON(t, http.MethodPut, "/api/v1/workflows/counter/state/counter", map[string]interface{}{"value": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var written map[string]interface{}
	decode(t, resp, &written)
	assert.Equal(t, 3.0, written["version"])

	resp = ts.doJSON(t, http.MethodPut, "/api/v1/workflows/counter/state/other?namespace=scratch", map[string]interface{}{"value": "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter/state", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []state.Entry
	decode(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "counter", entries[0].Key)

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter/state?namespace=scratch", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "other", entries[0].Key)

	resp = ts.do(t, http.MethodDelete, "/api/v1/workflows/counter/state/counter", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted map[string]bool
	decode(t, resp, &deleted)
	assert.True(t, deleted["deleted"])

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter/state/counter", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &entry)
	assert.Equal(t, false, entry["found"])
	assert.Equal(t, 0.0, entry["version"])
}

func TestExecutionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createCounter(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/workflows/counter/executions?await=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started runtime.StartResponse
	decode(t, resp, &started)
	id := started.ExecutionID
	require.NotEmpty(t, id)

	resp = ts.do(t, http.MethodGet, "/api/v1/executions/"+id, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec map[string]interface{}
	decode(t, resp, &exec)
	assert.Equal(t, "completed", exec["status"])
	assert.Equal(t, "api", exec["execution_source"])

	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/counter/executions", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var execs []map[string]interface{}
	decode(t, resp, &execs)
	require.Len(t, execs, 1)

	resp = ts.do(t, http.MethodGet, "/api/v1/executions/"+id+"/logs", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []map[string]interface{}
	decode(t, resp, &logs)
	assert.NotEmpty(t, logs)

	resp = ts.do(t, http.MethodGet, "/api/v1/executions/"+id+"/results", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []map[string]interface{}
	decode(t, resp, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "set", results[0]["node_id"])

	resp = ts.do(t, http.MethodGet, "/api/v1/executions/"+id+"/iterations", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var iterations []map[string]interface{}
	decode(t, resp, &iterations)
	assert.Empty(t, iterations)

	resp = ts.do(t, http.MethodPost, "/api/v1/executions/"+id+"/stop", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/executions/"+id+"/trigger", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	for _, path := range []string{"", "/logs", "/results", "/iterations"} {
		resp = ts.do(t, http.MethodGet, "/api/v1/executions/missing"+path, "", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp = ts.do(t, http.MethodPost, "/api/v1/executions/missing/stop", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/workflows/missing/executions", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/v1/workflows/missing/executions", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/workflows/counter/executions?await=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/v1/workflows/counter/executions?mode=forever", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAwaitTimeoutAnswersAccepted(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/v1/workflows", "application/yaml", slowYAML)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/workflows/slow/executions?await=true&timeout=20ms", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started runtime.StartResponse
	decode(t, resp, &started)
	assert.True(t, started.TimeoutExceeded)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/api/v1/executions/"+started.ExecutionID, "", "")
		var exec map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
			return false
		}
		return exec["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPersistentTriggerAndStop(t *testing.T) {
	ts := newTestServer(t)
	ts.createCounter(t)

	resp := ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions", map[string]interface{}{
		"mode":  "persistent",
		"await": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started runtime.StartResponse
	decode(t, resp, &started)
	assert.Equal(t, "running", string(started.Status))
	id := started.ExecutionID

	resp = ts.doJSON(t, http.MethodPost, "/api/v1/executions/"+id+"/trigger", map[string]interface{}{
		"trigger_data": map[string]interface{}{"pass": 2},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/api/v1/workflows/counter/state/counter", "", "")
		var entry map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
			return false
		}
		return entry["value"] == 2.0
	}, 5*time.Second, 20*time.Millisecond)

	resp = ts.do(t, http.MethodPost, "/api/v1/executions/"+id+"/stop", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/api/v1/executions/"+id, "", "")
		var exec map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
			return false
		}
		return exec["status"] == "stopped"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createCounter(t)

	resp := ts.do(t, http.MethodPost, "/api/v1/workflows/counter/executions?await=true", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "flowengine_executions_total")
}

func TestServerSentEvents(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/v1/events", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *sse.Event, 16)
	client := sse.NewClient(ts.URL + "/api/v1/events?workflow_id=observed")
	go func() {
		_ = client.SubscribeWithContext(ctx, "", func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			select {
			case received <- msg:
			default:
			}
		})
	}()

	var got *sse.Event
	require.Eventually(t, func() bool {
		ts.bus.Publish(events.WorkflowStream("observed"), events.Event{
			Type:       events.ExecutionStarted,
			WorkflowID: "observed",
		})
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, string(events.ExecutionStarted), string(got.Event))
	var ev events.Event
	require.NoError(t, json.Unmarshal(got.Data, &ev))
	assert.Equal(t, "observed", ev.WorkflowID)
	assert.Equal(t, events.WorkflowStream("observed"), ev.Stream)
}

func TestWebSocketSubscriptions(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]interface{} {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	assert.Equal(t, "pong", read()["type"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", Stream: "bogus"}))
	assert.Equal(t, "error", read()["type"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", ExecutionID: "exec-1"}))
	ack := read()
	assert.Equal(t, "subscribed", ack["type"])
	assert.Equal(t, events.ExecutionStream("exec-1"), ack["stream"])

	key := events.ExecutionStream("exec-1")
	ts.bus.Publish(key, events.Event{Type: events.NodeStarted, ExecutionID: "exec-1", NodeID: "a"})

	msg := read()
	assert.Equal(t, string(events.NodeStarted), msg["type"])
	assert.Equal(t, "a", msg["node_id"])
	assert.Equal(t, 1.0, msg["seq"])

	ts.bus.CloseStream(key)
	closed := read()
	assert.Equal(t, "stream_closed", closed["type"])
	assert.Equal(t, key, closed["stream"])

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", WorkflowID: "wf"}))
	assert.Equal(t, "subscribed", read()["type"])
	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "unsubscribe", WorkflowID: "wf"}))
	assert.Equal(t, "unsubscribed", read()["type"])
	assert.Eventually(t, func() bool {
		return ts.bus.SubscriberCount(events.WorkflowStream("wf")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStartExecutionSource(t *testing.T) {
	ts := newTestServer(t)
	ts.createCounter(t)

	sourceOf := func(resp *http.Response) string {
		t.Helper()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var started runtime.StartResponse
		decode(t, resp, &started)

		got := ts.do(t, http.MethodGet, "/api/v1/executions/"+started.ExecutionID, "", "")
		require.Equal(t, http.StatusOK, got.StatusCode)
		var exec models.Execution
		decode(t, got, &exec)
		return string(exec.Source)
	}

	assert.Equal(t, "retry", sourceOf(ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions",
		map[string]interface{}{"await": true, "source": "retry"})))
	assert.Equal(t, "webhook", sourceOf(ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions?await=true&source=webhook", nil)))
	assert.Equal(t, "api", sourceOf(ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions?await=true", nil)))

	resp := ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions?source=carrier-pigeon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLateSubscribersToFinishedExecution(t *testing.T) {
	ts := newTestServer(t)
	ts.createCounter(t)

	resp := ts.doJSON(t, http.MethodPost, "/api/v1/workflows/counter/executions", map[string]interface{}{"await": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started runtime.StartResponse
	decode(t, resp, &started)
	require.Equal(t, "completed", string(started.Status))

	resp = ts.do(t, http.MethodGet, "/api/v1/events?execution_id="+started.ExecutionID, "", "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", ExecutionID: started.ExecutionID}))
	for _, want := range []string{"subscribed", "stream_closed"} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, want, msg["type"])
	}
	assert.Eventually(t, func() bool { return ts.bus.StreamCount() == 0 }, time.Second, 10*time.Millisecond)
}
