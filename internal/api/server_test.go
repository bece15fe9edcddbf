package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/metrics"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/siteconfig"
	"github.com/civicplan/plantree/internal/sse"
	"github.com/civicplan/plantree/internal/store/sqlite"
	"github.com/civicplan/plantree/internal/tree"
)

type testEnvelope[T any] struct {
	V       int    `json:"v"`
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details"`
}

type testServer struct {
	*Server
	api humatest.TestAPI
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "plantree.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := metrics.New()
	cache, err := tree.NewRistrettoCache(1000)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	sseManager := sse.NewManager(logger, m.StreamConnected)
	sites := siteconfig.NewRegistry("default", logger)
	trees := service.NewTreeService(st, sites, m.InstrumentCache(cache), sseManager, m, logger)

	s := NewServer(st, trees, sseManager, m, opts, logger)
	t.Cleanup(func() { _ = s.Shutdown() })

	return &testServer{Server: s, api: humatest.Wrap(t, s.API())}
}

func decode[T any](t *testing.T, body string) testEnvelope[T] {
	t.Helper()
	var env testEnvelope[T]
	require.NoError(t, json.Unmarshal([]byte(body), &env), body)
	return env
}

func (ts *testServer) createPlan(t *testing.T) string {
	t.Helper()
	resp := ts.api.Post("/api/v1/trees", map[string]any{
		"kind":      "plan",
		"name":      "Plan de Gobierno",
		"max_level": 1,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	env := decode[domain.Tree](t, resp.Body.String())
	assert.Equal(t, "plan-de-gobierno", env.Data.Slug)
	return env.Data.ID
}

func (ts *testServer) insert(t *testing.T, treeID, parentID, name string, progress *float64) string {
	t.Helper()
	body := map[string]any{
		"parent_id": parentID,
		"item":      map[string]any{"type": "project", "id": "item-" + name},
		"name":      map[string]string{"es": name, "en": name + " (en)"},
	}
	if progress != nil {
		body["progress"] = *progress
	}
	resp := ts.api.Post("/api/v1/trees/"+treeID+"/nodes", body)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	return decode[service.MutationResult](t, resp.Body.String()).Data.NodeID
}

func pct(v float64) *float64 { return &v }

func TestEnvelopeTransformer(t *testing.T) {
	ok, err := EnvelopeTransformer(nil, "200", map[string]string{"id": "tree-1"})
	require.NoError(t, err)
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"success":true,"data":{"id":"tree-1"}}`, string(raw))

	failed, err := EnvelopeTransformer(nil, "409", &APIError{
		Code:    "HAS_DEPENDENTS",
		Message: "node has dependents",
		Details: map[string]int{"references": 2},
	})
	require.NoError(t, err)
	raw, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"success":false,"error":"node has dependents","code":"HAS_DEPENDENTS",
		"message":"node has dependents","details":{"references":2}}`, string(raw))
}

func TestTreeLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})
	treeID := ts.createPlan(t)

	eje := ts.insert(t, treeID, "", "Eje", nil)
	linea := ts.insert(t, treeID, eje, "Linea", nil)
	ts.insert(t, treeID, linea, "Proyecto 1", pct(30))
	ts.insert(t, treeID, linea, "Proyecto 2", pct(60))

	resp := ts.api.Get("/api/v1/trees/" + treeID + "/nodes?locale=en")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var raw struct {
		Data struct {
			Locale         string           `json:"locale"`
			GlobalProgress int              `json:"global_progress"`
			PlanTree       []map[string]any `json:"plan_tree"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &raw))
	assert.Equal(t, "es", raw.Data.Locale, "site only offers es")
	assert.Equal(t, 45, raw.Data.GlobalProgress)
	require.Len(t, raw.Data.PlanTree, 1)

	root := raw.Data.PlanTree[0]
	children := root["children"].([]any)
	require.Len(t, children, 1)
	lineaJSON := children[0].(map[string]any)
	assert.NotContains(t, lineaJSON, "children", "lazy level leaves children absent")
	attrs := lineaJSON["attributes"].(map[string]any)
	assert.Equal(t, "/api/v1/trees/"+treeID+"/nodes/"+linea+"/children", attrs["children_path"])

	resp = ts.api.Get("/api/v1/trees/" + treeID + "/nodes/" + linea + "/children")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	kids := decode[service.ChildrenPayload](t, resp.Body.String())
	require.Len(t, kids.Data.Children, 2)
	assert.Equal(t, "0.0.1", kids.Data.Children[1].UID)

	resp = ts.api.Get("/api/v1/trees/" + treeID + "/permalink/0.0.1")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	link := decode[service.PermalinkPayload](t, resp.Body.String())
	assert.Equal(t, "Proyecto 2", link.Data.Node.Attributes.Name)
	assert.Len(t, link.Data.Breadcrumb, 3)

	resp = ts.api.Post("/api/v1/trees/"+treeID+"/nodes/"+linea+"/reposition", map[string]any{"position": 0})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = ts.api.Get("/api/v1/trees/" + treeID + "/check")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = ts.api.Delete("/api/v1/trees/" + treeID + "/nodes/" + eje + "?policy=reparent")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	removed := decode[service.MutationResult](t, resp.Body.String())
	assert.Equal(t, []string{eje}, removed.Data.Deleted)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, Options{})
	treeID := ts.createPlan(t)
	eje := ts.insert(t, treeID, "", "Eje", nil)
	linea := ts.insert(t, treeID, eje, "Linea", nil)
	proyecto := ts.insert(t, treeID, linea, "Proyecto", nil)

	tests := []struct {
		name   string
		do     func() (int, string)
		status int
		code   string
	}{
		{
			name: "unknown tree",
			do: func() (int, string) {
				r := ts.api.Get("/api/v1/trees/tree-missing/nodes")
				return r.Code, r.Body.String()
			},
			status: http.StatusNotFound, code: "NOT_FOUND",
		},
		{
			name: "move under own descendant",
			do: func() (int, string) {
				r := ts.api.Post("/api/v1/trees/"+treeID+"/nodes/"+eje+"/move", map[string]any{"new_parent_id": proyecto, "new_position": 0})
				return r.Code, r.Body.String()
			},
			status: http.StatusUnprocessableEntity, code: "CYCLE",
		},
		{
			name: "remove without policy",
			do: func() (int, string) {
				r := ts.api.Delete("/api/v1/trees/" + treeID + "/nodes/" + linea)
				return r.Code, r.Body.String()
			},
			status: http.StatusBadRequest, code: "VALIDATION",
		},
		{
			name: "insert without name",
			do: func() (int, string) {
				r := ts.api.Post("/api/v1/trees/"+treeID+"/nodes", map[string]any{
					"item": map[string]any{"type": "project", "id": "x"},
				})
				return r.Code, r.Body.String()
			},
			status: http.StatusBadRequest, code: "VALIDATION",
		},
		{
			name: "unknown item type",
			do: func() (int, string) {
				r := ts.api.Post("/api/v1/trees/"+treeID+"/nodes", map[string]any{
					"item": map[string]any{"type": "book", "id": "x"},
					"name": map[string]string{"es": "x"},
				})
				return r.Code, r.Body.String()
			},
			status: http.StatusBadRequest, code: "VALIDATION",
		},
		{
			name: "reference below max level",
			do: func() (int, string) {
				r := ts.api.Post("/api/v1/trees/"+treeID+"/nodes/"+proyecto+"/references", map[string]any{"subject_type": "project", "subject_id": "p1"})
				return r.Code, r.Body.String()
			},
			status: http.StatusBadRequest, code: "VALIDATION",
		},
		{
			name: "malformed permalink",
			do: func() (int, string) {
				r := ts.api.Get("/api/v1/trees/" + treeID + "/permalink/0.a")
				return r.Code, r.Body.String()
			},
			status: http.StatusBadRequest, code: "VALIDATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := tt.do()
			assert.Equal(t, tt.status, status, body)
			env := decode[json.RawMessage](t, body)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Code)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestRemoveWithDependents(t *testing.T) {
	ts := newTestServer(t, Options{})
	treeID := ts.createPlan(t)
	eje := ts.insert(t, treeID, "", "Eje", nil)
	linea := ts.insert(t, treeID, eje, "Linea", nil)

	resp := ts.api.Post("/api/v1/trees/"+treeID+"/nodes/"+linea+"/references", map[string]any{"subject_type": "project", "subject_id": "p1"})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = ts.api.Delete("/api/v1/trees/" + treeID + "/nodes/" + eje + "?policy=cascade")
	require.Equal(t, http.StatusConflict, resp.Code, resp.Body.String())
	env := decode[json.RawMessage](t, resp.Body.String())
	assert.Equal(t, "HAS_DEPENDENTS", env.Code)
	assert.Equal(t, map[string]any{"references": float64(1)}, env.Details)

	resp = ts.api.Get("/api/v1/trees/" + treeID + "/nodes/" + linea + "/references")
	require.Equal(t, http.StatusOK, resp.Code)
	refs := decode[ReferencesResponse](t, resp.Body.String())
	assert.Len(t, refs.Data.References, 1)

	resp = ts.api.Delete("/api/v1/trees/" + treeID + "/nodes/" + linea + "/references/project/p1")
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = ts.api.Delete("/api/v1/trees/" + treeID + "/nodes/" + eje + "?policy=cascade")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Len(t, decode[service.MutationResult](t, resp.Body.String()).Data.Deleted, 2)
}

func TestMutationRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{MutationRate: 0.001, MutationBurst: 2})
	treeID := ts.createPlan(t)

	ts.insert(t, treeID, "", "a", nil)
	ts.insert(t, treeID, "", "b", nil)

	resp := ts.api.Post("/api/v1/trees/"+treeID+"/nodes", map[string]any{
		"item": map[string]any{"type": "page", "id": "c"},
		"name": map[string]string{"es": "c"},
	})
	require.Equal(t, http.StatusTooManyRequests, resp.Code, resp.Body.String())
	assert.Equal(t, "RATE_LIMITED", decode[json.RawMessage](t, resp.Body.String()).Code)

	// Reads are not throttled.
	resp = ts.api.Get("/api/v1/trees/" + treeID + "/nodes")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestListAndDeleteTrees(t *testing.T) {
	ts := newTestServer(t, Options{})
	treeID := ts.createPlan(t)

	resp := ts.api.Post("/api/v1/trees", map[string]any{"kind": "plan", "name": "Plan de gobierno"})
	require.Equal(t, http.StatusConflict, resp.Code, resp.Body.String())
	assert.Equal(t, "ALREADY_EXISTS", decode[json.RawMessage](t, resp.Body.String()).Code)

	resp = ts.api.Get("/api/v1/trees?site_id=default")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var page struct {
		Data struct {
			Items []domain.Tree `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	require.Len(t, page.Data.Items, 1)

	resp = ts.api.Get("/api/v1/sites/default/trees/plan-de-gobierno")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, treeID, decode[domain.Tree](t, resp.Body.String()).Data.ID)

	resp = ts.api.Delete("/api/v1/trees/" + treeID)
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = ts.api.Get("/api/v1/trees/" + treeID)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, Options{})
	treeID := ts.createPlan(t)
	ts.insert(t, treeID, "", "a", nil)
	ts.api.Get("/api/v1/trees/" + treeID + "/nodes")

	resp := ts.api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	health := decode[HealthResponse](t, resp.Body.String())
	assert.Equal(t, "healthy", health.Data.Status)
	assert.Equal(t, "no connected clients", health.Data.Components["events"].Message)

	resp = ts.api.Get("/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	assert.True(t, strings.Contains(body, `plantree_mutations_total{operation="insert",result="ok"} 1`), body)
	assert.Contains(t, body, "plantree_decoration_cache_requests_total")
}

func TestEventsRoute(t *testing.T) {
	ts := newTestServer(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled request returns before streaming.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/api/v1/trees/tree-1/events", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	assert.Equal(t, 0, ts.sseManager.ClientCount())
	assert.Empty(t, rec.Body.String())
}
