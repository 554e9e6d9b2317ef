// Package main tests for command wiring, the server routes and the status feed.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/actisync/internal/config"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
	"github.com/kimhsiao/actisync/internal/remote"
)

// run executes the command tree with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func quietEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ACTISYNC_LOG_LEVEL", "ERROR")
	t.Setenv("ACTISYNC_QUEUE_OP_DELAY", "0s")
}

func TestCommands_offlineLifecycle(t *testing.T) {
	quietEnv(t)
	t.Setenv("ACTISYNC_CONNECTIVITY_INITIAL_ONLINE", "false")
	dir := t.TempDir()

	out, err := run(t, "record", "add", "--data-dir", dir,
		"-f", "studentName=Ana", "-f", "subject=Math", "-f", "activity=Quiz", "-s", "activa")
	require.NoError(t, err)

	var rec models.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, models.SyncStatePending, rec.SyncState)
	assert.Equal(t, "Ana", rec.Fields["studentName"])

	out, err = run(t, "record", "update", rec.ID, "--data-dir", dir, "-s", "completada", "--unset", "activity")
	require.NoError(t, err)
	var updated models.Record
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	assert.Equal(t, "completada", updated.Status)
	assert.NotContains(t, updated.Fields, "activity")

	// The queue survives between processes
	out, err = run(t, "stats", "--data-dir", dir)
	require.NoError(t, err)
	var stats struct {
		Records models.SyncStats  `json:"records"`
		Queue   models.QueueStats `json:"queue"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Records.Pending)
	assert.Equal(t, 2, stats.Queue.PendingOperationCount)

	out, err = run(t, "record", "list", "--data-dir", dir)
	require.NoError(t, err)
	var list []models.Record
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	_, err = run(t, "record", "delete", rec.ID, "--data-dir", dir)
	require.NoError(t, err)
	_, err = run(t, "record", "get", rec.ID, "--data-dir", dir)
	assert.Error(t, err)
}

func TestCommands_invalidID(t *testing.T) {
	quietEnv(t)
	_, err := run(t, "record", "get", "nope", "--data-dir", t.TempDir())
	assert.Error(t, err)
}

func TestCommands_resetNeedsConfirmation(t *testing.T) {
	quietEnv(t)
	dir := t.TempDir()

	_, err := run(t, "reset", "--data-dir", dir)
	require.Error(t, err)

	out, err := run(t, "reset", "--yes", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "local store reset")
}

func TestCommands_invalidConfig(t *testing.T) {
	quietEnv(t)
	_, err := run(t, "stats", "--data-dir", t.TempDir(), "--remote-kind", "carrier-pigeon")
	assert.Error(t, err)
}

// Records created offline reach a document store served by `remote serve`.
func TestCommands_syncToDocumentServer(t *testing.T) {
	quietEnv(t)
	dir := t.TempDir()

	mem := remote.NewMemory()
	srv := httptest.NewServer(newDocumentServer(mem, "secret", logging.Discard()))
	defer srv.Close()

	t.Setenv("ACTISYNC_CONNECTIVITY_INITIAL_ONLINE", "false")
	for i := 0; i < 2; i++ {
		_, err := run(t, "record", "add", "--data-dir", dir, "-f", "studentName=Ana", "-s", "activa")
		require.NoError(t, err)
	}

	t.Setenv("ACTISYNC_CONNECTIVITY_INITIAL_ONLINE", "true")
	t.Setenv("ACTISYNC_REMOTE_TOKEN", "secret")
	out, err := run(t, "sync", "--data-dir", dir, "--remote-kind", "http", "--remote-url", srv.URL)
	require.NoError(t, err)

	var result models.DrainResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 2, mem.Len())
}

func TestDocumentServer_rejectsMissingToken(t *testing.T) {
	srv := httptest.NewServer(newDocumentServer(remote.NewMemory(), "secret", logging.Discard()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/records")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// startServer runs App.Serve on a loopback port until the test ends.
func startServer(t *testing.T, mem *remote.Memory) (*App, string) {
	t.Helper()
	t.Setenv("ACTISYNC_DATA_DIR", t.TempDir())
	t.Setenv("ACTISYNC_LOG_LEVEL", "ERROR")

	cfg, err := config.Load(config.Options{EnvFiles: []string{}})
	require.NoError(t, err)
	cfg.Queue.OpDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, appOptions{autoDrain: true, backend: mem})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		a.Close()
	})

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	return a, base
}

func TestServe_routes(t *testing.T) {
	mem := remote.NewMemory()
	_, base := startServer(t, mem)

	body := strings.NewReader(`{"fields":{"studentName":"Ana"},"status":"activa"}`)
	resp, err := http.Post(base+"/api/records", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, mem.Len())

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(metrics), `actisync_remote_calls_total{op="create",result="ok"} 1`)
}

func TestServe_drainsOnReconnect(t *testing.T) {
	mem := remote.NewMemory()
	a, base := startServer(t, mem)

	a.Monitor.SetOnline(false)
	for i := 0; i < 3; i++ {
		_, err := a.Service.CreateRecord(context.Background(), models.Content{
			Fields: map[string]interface{}{"n": i},
			Status: "activa",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, mem.Len())

	resp, err := http.Post(base+"/api/connectivity", "application/json", strings.NewReader(`{"online":true}`))
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		stats, err := a.Service.SyncStats(context.Background())
		return err == nil && stats.Synced == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, mem.Len())
}

func TestServe_websocketFeed(t *testing.T) {
	_, base := startServer(t, remote.NewMemory())

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventConnectivityChanged},
	}))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	resp, err := http.Post(base+"/api/connectivity", "application/json", strings.NewReader(`{"online":false}`))
	require.NoError(t, err)
	resp.Body.Close()

	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventConnectivityChanged, env.Type)
	assert.Equal(t, false, env.Data["online"])
}

func TestWSHub_observer(t *testing.T) {
	hub := NewWSHub(logging.Discard())
	defer hub.Close()

	// No clients: broadcasts are accepted and dropped
	hub.DrainStarted(2)
	hub.DrainFinished(models.DrainResult{Synced: 2})
	hub.QueueChanged(0)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin", "", true},
		{"same host", "http://127.0.0.1:8090", true},
		{"other host", "http://evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8090/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, sameOrigin(r))
		})
	}
}
