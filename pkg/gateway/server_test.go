package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/runner"
)

type fixture struct {
	dispatcher *dispatch.Dispatcher
	ts         *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "helper.yaml"),
		[]byte("model: claude-test\n"), 0o644))

	agentStore, err := agents.NewDirStore(agentsDir)
	require.NoError(t, err)
	loader := agents.NewLoader(agentStore, nil, 0, zerolog.Nop())

	store, err := dispatch.NewStore(filepath.Join(dir, "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queueCfg := config.QueueConfig{
		MaxAttempts:       3,
		LeaseTTL:          5 * time.Second,
		HeartbeatInterval: time.Second,
		ClaimPollInterval: 10 * time.Millisecond,
	}
	dispatcher := dispatch.NewDispatcher(store, dispatch.NewBroker(zerolog.Nop()),
		loader, queueCfg, zerolog.Nop())

	server := NewServer(dispatcher, config.GatewayConfig{Host: "127.0.0.1", Port: 0}, zerolog.Nop())
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &fixture{dispatcher: dispatcher, ts: ts}
}

func (f *fixture) submit(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+"/v1/runs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) dispatch.Run {
	t.Helper()
	defer resp.Body.Close()
	var run dispatch.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	return run
}

func TestSubmitEndpoint(t *testing.T) {
	t.Run("accepts a valid submission", func(t *testing.T) {
		f := newFixture(t)
		resp := f.submit(t, `{"agent_id": "helper", "input": "hello"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		run := decodeRun(t, resp)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, runner.StateQueued, run.Status)
	})

	t.Run("repeat request ID returns the same run", func(t *testing.T) {
		f := newFixture(t)
		body := `{"agent_id": "helper", "input": "hello", "request_id": "req-1"}`

		first := decodeRun(t, f.submit(t, body))
		second := decodeRun(t, f.submit(t, body))
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("unknown agent is 404", func(t *testing.T) {
		f := newFixture(t)
		resp := f.submit(t, `{"agent_id": "ghost", "input": "hello"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing fields are 400", func(t *testing.T) {
		f := newFixture(t)
		resp := f.submit(t, `{"input": "hello"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed JSON is 400", func(t *testing.T) {
		f := newFixture(t)
		resp := f.submit(t, `{not json`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetRunEndpoint(t *testing.T) {
	f := newFixture(t)
	run := decodeRun(t, f.submit(t, `{"agent_id": "helper", "input": "hello"}`))

	resp, err := http.Get(f.ts.URL + "/v1/runs/" + run.ID)
	require.NoError(t, err)
	fetched := decodeRun(t, resp)
	assert.Equal(t, run.ID, fetched.ID)

	resp, err = http.Get(f.ts.URL + "/v1/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	f := newFixture(t)
	run := decodeRun(t, f.submit(t, `{"agent_id": "helper", "input": "hello"}`))

	resp, err := http.Post(f.ts.URL+"/v1/runs/"+run.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Queued runs cancel immediately, so a second cancel conflicts
	resp, err = http.Post(f.ts.URL+"/v1/runs/"+run.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(f.ts.URL+"/v1/runs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := decodeRun(t, f.submit(t, `{"agent_id": "helper", "input": "hello"}`))

	job, err := f.dispatcher.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	sink := f.dispatcher.Sink(job)
	require.NoError(t, sink.Emit(ctx, runner.EventModelDelta, map[string]interface{}{"text": "hi"}))

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") +
		fmt.Sprintf("/v1/runs/%s/events?from_seq=0", run.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Replayed history
	var ev runner.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, runner.EventModelDelta, ev.Kind)

	// Live event, then the terminal one closes the socket
	require.NoError(t, sink.Emit(ctx, runner.EventStatusChange, map[string]interface{}{"state": "completed"}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(2), ev.Seq)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	err = conn.ReadJSON(&ev)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
