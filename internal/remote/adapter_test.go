package remote

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/models"
)

type fakeConn struct{ online bool }

func (f *fakeConn) Online() bool { return f.online }

type recordedCall struct {
	op Op
	ok bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) ObserveRemoteCall(op Op, ok bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{op, ok})
}

type slowBackend struct{ *Memory }

func (s *slowBackend) Update(ctx context.Context, remoteID string, doc Document) error {
	<-ctx.Done()
	return ctx.Err()
}

func snapshot() *models.Snapshot {
	r := models.NewRecord("local-1", models.Content{
		Fields: map[string]interface{}{"alumno": "Ana"},
		Status: "activa",
	})
	return r.Snapshot()
}

func TestAdapterSuccess(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	rec := &fakeRecorder{}
	a := NewAdapter(mem, &fakeConn{online: true}, AdapterConfig{Logger: logging.Discard(), Recorder: rec})

	id, ok := a.Create(ctx, "local-1", snapshot())
	require.True(t, ok)
	require.NotEmpty(t, id)

	doc, found := mem.Get(id)
	require.True(t, found)
	assert.Equal(t, "local-1", doc.LocalID)
	assert.Equal(t, "Ana", doc.Fields["alumno"])

	assert.True(t, a.Update(ctx, id, "local-1", snapshot()))
	docs, ok := a.ListAll(ctx)
	require.True(t, ok)
	assert.Len(t, docs, 1)
	assert.True(t, a.Delete(ctx, id))

	assert.Equal(t, []recordedCall{
		{OpCreate, true}, {OpUpdate, true}, {OpList, true}, {OpDelete, true},
	}, rec.calls)
}

func TestAdapterOfflineShortCircuits(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	rec := &fakeRecorder{}
	a := NewAdapter(mem, &fakeConn{online: false}, AdapterConfig{Logger: logging.Discard(), Recorder: rec})

	_, ok := a.Create(ctx, "local-1", snapshot())
	assert.False(t, ok)
	assert.False(t, a.Update(ctx, "r", "local-1", snapshot()))
	assert.False(t, a.Delete(ctx, "r"))
	_, ok = a.ListAll(ctx)
	assert.False(t, ok)

	assert.Empty(t, mem.Calls(), "backend must not be called while offline")
	assert.Len(t, rec.calls, 4)
}

func TestAdapterFailureIsLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	mem := NewMemory()
	mem.FailNext(OpCreate, 1)
	a := NewAdapter(mem, nil, AdapterConfig{Logger: logging.New(&buf, logging.LevelDebug)})

	id, ok := a.Create(ctx, "local-1", snapshot())
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Contains(t, buf.String(), "REMOTE_WRITE_FAILED")
	assert.Contains(t, buf.String(), "local-1")

	// Next attempt goes through
	id, ok = a.Create(ctx, "local-1", snapshot())
	assert.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestAdapterUpdateOfMissingDocumentFails(t *testing.T) {
	a := NewAdapter(NewMemory(), nil, AdapterConfig{Logger: logging.Discard()})
	assert.False(t, a.Update(context.Background(), "missing", "local-1", snapshot()))
}

func TestAdapterTimeout(t *testing.T) {
	backend := &slowBackend{Memory: NewMemory()}
	a := NewAdapter(backend, nil, AdapterConfig{Timeout: 20 * time.Millisecond, Logger: logging.Discard()})

	start := time.Now()
	ok := a.Update(context.Background(), "r", "local-1", snapshot())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}
