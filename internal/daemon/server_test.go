package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/errors"
	"github.com/Aman-CERP/vectorsync/internal/index"
	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
)

// testSocketPath returns a short socket path; t.TempDir can exceed the
// Unix socket path limit.
func testSocketPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(os.TempDir(), fmt.Sprintf("vs-%d-%d.sock", os.Getpid(), time.Now().UnixNano()%1e9))
	t.Cleanup(func() { _ = os.Remove(path) })
	return path
}

type fakeHandler struct {
	mu       sync.Mutex
	indexes  map[string]registry.Status
	dropped  []string
	response search.Response
	err      error
	queries  []search.Query
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{indexes: map[string]registry.Status{}}
}

func (h *fakeHandler) Create(_ context.Context, def model.IndexDefinition) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	def = def.WithDefaults()
	if err := def.Validate(); err != nil {
		return errors.ValidationError(err.Error(), err)
	}
	if _, ok := h.indexes[def.Name]; ok {
		return errors.New(errors.ErrCodeIndexExists, "index "+def.Name+" exists", nil)
	}
	h.indexes[def.Name] = registry.Status{Name: def.Name, Definition: def, Status: search.StatusPartial}
	return nil
}

func (h *fakeHandler) Drop(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.indexes[name]; !ok {
		return errors.New(errors.ErrCodeIndexNotFound, "index "+name+" not found", nil)
	}
	delete(h.indexes, name)
	h.dropped = append(h.dropped, name)
	return nil
}

func (h *fakeHandler) Search(_ context.Context, q search.Query) (search.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, q)
	return h.response, h.err
}

func (h *fakeHandler) Indexes(name string) ([]registry.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if name == "" {
		out := []registry.Status{}
		for _, st := range h.indexes {
			out = append(out, st)
		}
		return out, nil
	}
	st, ok := h.indexes[name]
	if !ok {
		return nil, errors.New(errors.ErrCodeIndexNotFound, "index "+name+" not found", nil)
	}
	return []registry.Status{st}, nil
}

func (h *fakeHandler) Health() registry.Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return registry.Health{Healthy: true, Indexes: len(h.indexes)}
}

// startServer runs a server with handler until the test ends.
func startServer(t *testing.T, handler RequestHandler) (*Server, *Client) {
	t.Helper()
	socket := testSocketPath(t)
	srv, err := NewServer(socket)
	require.NoError(t, err)
	if handler != nil {
		srv.SetHandler(handler)
	}
	srv.SetVersion("test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	client := NewClient(Config{SocketPath: socket, Timeout: 2 * time.Second})
	require.Eventually(t, client.IsRunning, 2*time.Second, 5*time.Millisecond)
	return srv, client
}

// rawCall sends body verbatim and decodes one response.
func rawCall(t *testing.T, socket, body string) Response {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(body + "\n"))
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func testDefinition(name string) model.IndexDefinition {
	return model.IndexDefinition{
		Name:         name,
		Table:        "docs",
		KeyColumns:   []string{"id"},
		VectorColumn: "embedding",
		Dimension:    4,
	}
}

func TestNewServer_RequiresSocket(t *testing.T) {
	_, err := NewServer("")
	assert.Error(t, err)
}

func TestServer_PingWithoutHandler(t *testing.T) {
	// Given: a server with no handler
	_, client := startServer(t, nil)

	// When/Then: ping still answers
	require.NoError(t, client.Ping(context.Background()))

	// And: other methods report the missing handler
	_, err := client.Health(context.Background())
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeInternalError, rpcErr.Code)
}

func TestServer_RejectsMalformedRequests(t *testing.T) {
	srv, _ := startServer(t, newFakeHandler())

	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{nope`, ErrCodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"ping","id":"1"}`, ErrCodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"reindex","id":"2"}`, ErrCodeMethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","method":"search","params":{"k":"ten"},"id":"3"}`, ErrCodeInvalidParams},
		{"missing vector", `{"jsonrpc":"2.0","method":"search","params":{"index":"docs"},"id":"4"}`, ErrCodeInvalidParams},
		{"drop without name", `{"jsonrpc":"2.0","method":"drop","params":{},"id":"5"}`, ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rawCall(t, srv.socketPath, tt.body)

			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestServer_CreateStatusDrop(t *testing.T) {
	ctx := context.Background()
	h := newFakeHandler()
	_, client := startServer(t, h)

	// When: an index is created
	st, err := client.Create(ctx, testDefinition("docs"))

	// Then: its status comes back
	require.NoError(t, err)
	assert.Equal(t, "docs", st.Name)
	assert.Equal(t, search.StatusPartial, st.Status)

	// And: creating it again maps to the index-exists code
	_, err = client.Create(ctx, testDefinition("docs"))
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeIndexExists, rpcErr.Code)

	// And: an invalid definition is an invalid-params error
	_, err = client.Create(ctx, model.IndexDefinition{Name: "bad"})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)

	status, err := client.Status(ctx, "")
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, "test", status.Version)
	require.Len(t, status.Indexes, 1)

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.Indexes)

	// When: the index is dropped
	require.NoError(t, client.Drop(ctx, "docs"))

	// Then: it is gone
	_, err = client.Status(ctx, "docs")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeIndexNotFound, rpcErr.Code)
	err = client.Drop(ctx, "docs")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeIndexNotFound, rpcErr.Code)
	assert.Equal(t, []string{"docs"}, h.dropped)
}

func TestServer_Search(t *testing.T) {
	h := newFakeHandler()
	h.response = search.Response{
		Results: []index.Result{
			{Key: model.Key([]byte{0x85, 0x01}), Score: 0.9, Metadata: map[string]string{"lang": "en"}},
		},
		Status:     search.StatusFresh,
		Generation: 7,
	}
	_, client := startServer(t, h)
	lag := uint64(3)

	resp, err := client.Search(context.Background(), SearchParams{
		Index:     "docs",
		Vector:    []float32{1, 0, 0, 0},
		Filter:    map[string]string{"lang": "en"},
		MaxLag:    &lag,
		TimeoutMS: 50,
	})

	require.NoError(t, err)
	assert.Equal(t, search.StatusFresh, resp.Status)
	assert.Equal(t, uint64(7), resp.Generation)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, model.Key([]byte{0x85, 0x01}), resp.Results[0].Key)

	require.Len(t, h.queries, 1)
	q := h.queries[0]
	assert.Equal(t, 10, q.K, "default k")
	require.NotNil(t, q.MinConsistency)
	assert.Equal(t, uint64(3), q.MinConsistency.MaxLag)
	assert.Equal(t, 50*time.Millisecond, q.MinConsistency.Timeout)
}

func TestServer_SearchTimeoutCarriesStaleResponse(t *testing.T) {
	// Given: a handler whose consistency wait times out
	h := newFakeHandler()
	h.response = search.Response{
		Results: []index.Result{{Key: "a", Score: 1}},
		Status:  search.StatusStale,
	}
	h.err = errors.New(errors.ErrCodeQueryTimeout, "lag bound not met", errors.ErrQueryTimeout)
	_, client := startServer(t, h)
	lag := uint64(0)

	// When: the client searches
	resp, err := client.Search(context.Background(), SearchParams{Index: "docs", Vector: []float32{1}, MaxLag: &lag})

	// Then: both the error and the stale results come back
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeQueryTimeout, rpcErr.Code)
	require.NotNil(t, resp)
	assert.Equal(t, search.StatusStale, resp.Status)
	assert.Len(t, resp.Results, 1)
}

func TestServer_SearchErrorWithoutResponse(t *testing.T) {
	h := newFakeHandler()
	h.err = errors.New(errors.ErrCodeIndexNotFound, "index missing not found", errors.ErrIndexNotFound)
	_, client := startServer(t, h)

	resp, err := client.Search(context.Background(), SearchParams{Index: "missing", Vector: []float32{1}})

	assert.Nil(t, resp)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeIndexNotFound, rpcErr.Code)
	var data ErrorData
	require.NoError(t, json.Unmarshal(rpcErr.Data, &data))
	assert.Equal(t, errors.ErrCodeIndexNotFound, data.Kind)
}

func TestServer_SocketPermissions(t *testing.T) {
	srv, _ := startServer(t, nil)

	info, err := os.Stat(srv.socketPath)

	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestServer_RemovesSocketOnShutdown(t *testing.T) {
	socket := testSocketPath(t)
	srv, err := NewServer(socket)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	client := NewClient(Config{SocketPath: socket, Timeout: time.Second})
	require.Eventually(t, client.IsRunning, 2*time.Second, 5*time.Millisecond)

	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, client.IsRunning())
}
