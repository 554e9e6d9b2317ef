package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBackendContract exercises the behavior every driver must share.
func runBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	doc := Document{
		LocalID:   "local-1",
		Fields:    map[string]interface{}{"alumno": "Ana", "materia": "Math"},
		Status:    "activa",
		Version:   1,
		CreatedAt: 1000,
		UpdatedAt: 1000,
	}
	id, err := b.Create(ctx, doc)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	second, err := b.Create(ctx, doc)
	require.NoError(t, err)
	assert.NotEqual(t, id, second, "each create mints a new id")

	doc.Status = "completada"
	doc.Version = 2
	doc.UpdatedAt = 2000
	require.NoError(t, b.Update(ctx, id, doc))

	err = b.Update(ctx, "does-not-exist", doc)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	docs, err := b.List(ctx)
	require.NoError(t, err)
	byID := make(map[string]Document)
	for _, d := range docs {
		byID[d.ID] = d
	}
	require.Contains(t, byID, id)
	assert.Equal(t, "completada", byID[id].Status)
	assert.Equal(t, "local-1", byID[id].LocalID)
	assert.Equal(t, "Ana", byID[id].Fields["alumno"])
	assert.Equal(t, int64(1000), byID[id].CreatedAt)
	assert.Equal(t, int64(2000), byID[id].UpdatedAt)

	require.NoError(t, b.Delete(ctx, id))
	require.NoError(t, b.Delete(ctx, id), "deleting twice is not an error")
	require.NoError(t, b.Delete(ctx, second))

	docs, err = b.List(ctx)
	require.NoError(t, err)
	for _, d := range docs {
		assert.NotEqual(t, id, d.ID)
		assert.NotEqual(t, second, d.ID)
	}
}

func TestMemoryBackendContract(t *testing.T) {
	runBackendContract(t, NewMemory())
}

func TestHTTPBackendContract(t *testing.T) {
	srv := httptest.NewServer(NewHTTPHandler(NewMemory()))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL)
	require.NoError(t, err)
	runBackendContract(t, b)
}

func TestPostgresBackendContract(t *testing.T) {
	url := os.Getenv("ACTISYNC_TEST_PG_URL")
	if url == "" {
		t.Skip("ACTISYNC_TEST_PG_URL not set")
	}
	b, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)
	defer b.Close()
	runBackendContract(t, b)
}

func TestRedisBackendContract(t *testing.T) {
	addr := os.Getenv("ACTISYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACTISYNC_TEST_REDIS_ADDR not set")
	}
	b, err := OpenRedis(context.Background(), addr)
	require.NoError(t, err)
	defer b.Close()
	runBackendContract(t, b)
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailNext(OpCreate, 2)

	_, err := m.Create(ctx, Document{})
	assert.ErrorIs(t, err, ErrInjected)
	_, err = m.Create(ctx, Document{})
	assert.ErrorIs(t, err, ErrInjected)
	id, err := m.Create(ctx, Document{})
	require.NoError(t, err)

	// Other operations are unaffected
	require.NoError(t, m.Update(ctx, id, Document{Status: "x"}))

	assert.Equal(t, 3, m.CallCount(OpCreate))
	assert.Equal(t, 1, m.CallCount(OpUpdate))
	assert.Equal(t, 1, m.Len())
	calls := m.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, Call{Op: OpUpdate, RemoteID: id}, calls[3])
}

func TestMemoryHookRunsBeforeCall(t *testing.T) {
	m := NewMemory()
	var seen []Op
	m.SetHook(func(c Call) { seen = append(seen, c.Op) })

	_, _ = m.List(context.Background())
	_ = m.Delete(context.Background(), "x")
	assert.Equal(t, []Op{OpList, OpDelete}, seen)
}

func TestHTTPBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": ""}`))
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL+"/", WithBearerToken("secret"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Create(ctx, Document{})
	assert.Error(t, err, "empty id is rejected")

	assert.NoError(t, b.Delete(ctx, "gone"), "404 on delete is success")

	err = b.Update(ctx, "x", Document{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	_, err = b.List(ctx)
	assert.Error(t, err)
}

func TestNewHTTPBackendRejectsBadURL(t *testing.T) {
	_, err := NewHTTPBackend("ftp://example.com")
	assert.Error(t, err)
	_, err = NewHTTPBackend("://bad")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, closeFn, err := Open(ctx, Config{Kind: KindMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)
	assert.NoError(t, closeFn())

	b, _, err = Open(ctx, Config{Kind: KindHTTP, URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPBackend{}, b)

	_, closeFn, err = Open(ctx, Config{Kind: "s3"})
	assert.Error(t, err)
	assert.NotNil(t, closeFn)

	assert.True(t, KindRedis.Valid())
	assert.False(t, Kind("s3").Valid())
}
