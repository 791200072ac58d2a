package devtools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reframe"
	"github.com/roach88/reframe/internal/instrument"
	"github.com/roach88/reframe/internal/testutil"
	"github.com/roach88/reframe/internal/trace"
	"github.com/roach88/reframe/internal/tracestore"
)

func newTestStore(t *testing.T) *reframe.Store {
	t.Helper()
	clock := testutil.NewVirtualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := reframe.New(
		reframe.WithInitialState(map[string]any{"count": 0.0, "ui": map[string]any{"filter": "all"}}),
		reframe.WithTracing(reframe.TracingConfig{Enabled: true}),
		reframe.WithTraceIDs(trace.NewSequenceGenerator("t")),
		reframe.WithAfterFunc(clock.AfterFunc),
	)
	s.RegisterEventDb("inc", func(cofx reframe.Coeffects, payload any) (any, error) {
		db := cofx.DB().(map[string]any)
		n, _ := payload.(float64)
		return reframe.AssocIn(db, []string{"count"}, db["count"].(float64)+n)
	})
	require.NoError(t, s.RegisterSubscription("count", reframe.SubscriptionConfig{
		Compute: func(db any, _ []any) (any, error) {
			return reframe.GetIn(db, []string{"count"}), nil
		},
	}))
	require.NoError(t, s.RegisterSubscription("times", reframe.SubscriptionConfig{
		Deps: []string{"count"},
		Combine: func(deps []any, params []any) (any, error) {
			return deps[0].(float64) * params[0].(float64), nil
		},
	}))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func newTestServer(t *testing.T, opts ...Option) (*reframe.Store, *Server, *httptest.Server) {
	t.Helper()
	store := newTestStore(t)
	srv := New(store, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return store, srv, ts
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func postDispatch(t *testing.T, base, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(base+"/api/dispatch", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t)
	var out map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &out))
	assert.Equal(t, "ok", out["status"])
}

func TestDispatchAndState(t *testing.T) {
	_, _, ts := newTestServer(t)

	code, out := postDispatch(t, ts.URL, `{"event":"inc","payload":2}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])

	var state struct{ State map[string]any }
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/state", &state))
	assert.Equal(t, 2.0, state.State["count"])

	var sub struct{ State any }
	getJSON(t, ts.URL+"/api/state?path=ui.filter", &sub)
	assert.Equal(t, "all", sub.State)
}

func TestDispatch_BadRequests(t *testing.T) {
	_, _, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{"event":`, "invalid request body"},
		{"missing event", `{"payload":1}`, "event is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := postDispatch(t, ts.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, out["error"], tt.want)
		})
	}
}

func TestDispatch_Closed(t *testing.T) {
	store, _, ts := newTestServer(t)
	require.NoError(t, store.Close(context.Background()))

	code, out := postDispatch(t, ts.URL, `{"event":"inc","payload":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEmpty(t, out["error"])
}

func TestQuery(t *testing.T) {
	_, _, ts := newTestServer(t)
	postDispatch(t, ts.URL, `{"event":"inc","payload":3}`)

	var out struct {
		Key    string
		Result any
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/subscriptions/count", &out))
	assert.Equal(t, "count", out.Key)
	assert.Equal(t, 3.0, out.Result)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/subscriptions/times?params=[10]", &out))
	assert.Equal(t, 30.0, out.Result)

	var bad map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/subscriptions/times?params=10", &bad))
	assert.Contains(t, bad["error"], "JSON array")
}

func TestTraces_Memory(t *testing.T) {
	store, srv, ts := newTestServer(t, WithHistory(2))
	for i := 0; i < 3; i++ {
		postDispatch(t, ts.URL, `{"event":"inc","payload":1}`)
	}
	store.FlushTraces()

	var out struct{ Traces []TraceView }
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/traces", &out))
	require.Len(t, out.Traces, 2, "history is bounded")
	assert.Equal(t, []int64{2, 3}, []int64{out.Traces[0].Seq, out.Traces[1].Seq})
	assert.Equal(t, "t-3", out.Traces[1].ID)

	assert.Len(t, srv.Traces(tracestore.Filter{AfterSeq: 2}), 1)
	assert.Len(t, srv.Traces(tracestore.Filter{Limit: 1}), 1)
	assert.Empty(t, srv.Traces(tracestore.Filter{Event: "other"}))

	var bad map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/traces?limit=-1", &bad))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/traces?after=x", &bad))
}

func TestTraces_Store(t *testing.T) {
	db, err := tracestore.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	store, _, ts := newTestServer(t, WithTraceStore(db))
	store.RegisterTraceCallback("sqlite", db.Callback())

	postDispatch(t, ts.URL, `{"event":"inc","payload":1}`)
	postDispatch(t, ts.URL, `{"event":"inc","payload":2}`)
	store.FlushTraces()

	var out struct{ Traces []TraceView }
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/traces?event=inc&limit=1", &out))
	require.Len(t, out.Traces, 1)
	assert.Equal(t, "t-1", out.Traces[0].ID)
	assert.Equal(t, 1.0, out.Traces[0].Payload)
}

func TestStream(t *testing.T) {
	store, srv, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageState, first.Type)
	assert.Equal(t, 1, srv.hub.count())

	postDispatch(t, ts.URL, `{"event":"inc","payload":5}`)
	store.FlushTraces()

	var next StreamMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, MessageTraces, next.Type)
	require.Len(t, next.Traces, 1)
	assert.Equal(t, "inc", next.Traces[0].Event)
	assert.True(t, next.Traces[0].StateChanged)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := instrument.NewMetrics(instrument.WithRegistry(reg))
	store, _, ts := newTestServer(t, WithMetrics(reg))
	store.RegisterTraceCallback("metrics", m.Callback())

	postDispatch(t, ts.URL, `{"event":"inc","payload":1}`)
	store.FlushTraces()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `reframe_events_total{event="inc",status="success"} 1`)
}

func TestMetrics_Disabled(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClose_RemovesCallback(t *testing.T) {
	store, srv, ts := newTestServer(t)
	srv.Close()

	postDispatch(t, ts.URL, `{"event":"inc","payload":1}`)
	store.FlushTraces()
	assert.Empty(t, srv.Traces(tracestore.Filter{}))
}
