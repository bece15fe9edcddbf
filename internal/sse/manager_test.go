package sse

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/tree"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case e := <-c.EventChan:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestManager_FiltersByTree(t *testing.T) {
	var connected atomic.Int64
	m := NewManager(testLogger(), func(d int) { connected.Add(int64(d)) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	a, err := m.Connect("tree-a")
	require.NoError(t, err)
	b, err := m.Connect("tree-b")
	require.NoError(t, err)
	all, err := m.Connect("")
	require.NoError(t, err)
	assert.Equal(t, 3, m.ClientCount())
	assert.Equal(t, int64(3), connected.Load())

	changes := tree.ChangeSet{Created: []*domain.Node{{Syncable: domain.Syncable{ID: "n1"}, Level: 1, Position: 2, UID: "0.2", ParentID: "r"}}}
	m.Emit(NewTreeChangedEvent(EventNodeCreated, "tree-a", "n1", changes))

	got := receive(t, a)
	assert.Equal(t, EventNodeCreated, got.Type)
	data, ok := got.Data.(TreeChangedData)
	require.True(t, ok)
	assert.Equal(t, "n1", data.NodeID)
	assert.Equal(t, []Placement{{ID: "n1", ParentID: "r", Level: 1, Position: 2, UID: "0.2"}}, data.Created)
	assert.Empty(t, data.Deleted)
	assert.NotNil(t, data.Deleted)

	assert.Equal(t, EventNodeCreated, receive(t, all).Type)

	select {
	case e := <-b.EventChan:
		t.Fatalf("tree-b received %s for tree-a", e.Type)
	case <-time.After(50 * time.Millisecond):
	}

	m.Disconnect(a.ID)
	m.Disconnect(a.ID)
	assert.Equal(t, 2, m.ClientCount())
	assert.Equal(t, int64(2), connected.Load())
}

func TestManager_ShutdownClosesClients(t *testing.T) {
	m := NewManager(testLogger(), nil)
	go m.Start(context.Background())

	c, err := m.Connect("tree-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	_, open := <-c.Done
	assert.False(t, open)
	assert.Equal(t, 0, m.ClientCount())

	// Emit after shutdown is a no-op.
	m.Emit(NewHeartbeatEvent())
}

func TestHandler_StreamsTreeEvents(t *testing.T) {
	m := NewManager(testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	r := chi.NewRouter()
	r.Get("/api/v1/trees/{treeID}/events", NewHandler(m, testLogger()).ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()

	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/api/v1/trees/tree-a/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); line != "" {
				return line
			}
		}
		return ""
	}

	assert.Equal(t, "event: connected", next())
	assert.Contains(t, next(), `"tree_id":"tree-a"`)

	require.Eventually(t, func() bool { return m.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	m.Emit(NewTreeChangedEvent(EventNodeRemoved, "tree-a", "x", tree.ChangeSet{Deleted: []string{"x", "y"}}))

	assert.Equal(t, "event: tree.node_removed", next())
	data := next()
	assert.True(t, strings.HasPrefix(data, "data: "))
	assert.Contains(t, data, `"deleted":["x","y"]`)
}
