package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicplan/plantree/internal/tree"
)

// value returns the sum of every sample of the named counter or gauge family.
func value(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
		}
	}
	return total
}

type stubCache map[uint64]tree.Annotated

func (s stubCache) Get(key uint64) (tree.Annotated, bool) { a, ok := s[key]; return a, ok }
func (s stubCache) Set(key uint64, a tree.Annotated)      { s[key] = a }

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveMutation("move", ResultOK, 3*time.Millisecond, 4)
	m.ObserveMutation("move", ResultRejected, time.Millisecond, 0)
	m.ObserveBuild("full", 120)
	m.StreamConnected(2)
	m.StreamConnected(-1)

	c := m.InstrumentCache(stubCache{})
	c.Set(1, tree.Annotated{ID: "a"})
	c.Get(1)
	c.Get(2)

	assert.Equal(t, 2.0, value(t, m, "plantree_mutations_total"))
	assert.Equal(t, 1.0, value(t, m, "plantree_tree_builds_total"))
	assert.Equal(t, 1.0, value(t, m, "plantree_event_stream_clients"))
	assert.Equal(t, 2.0, value(t, m, "plantree_decoration_cache_requests_total"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveBuild("branch", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `plantree_tree_builds_total{scope="branch"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMutation("insert", ResultOK, time.Millisecond, 1)
		m.ObserveBuild("full", 1)
		m.StreamConnected(1)
	})
	c := stubCache{}
	assert.Equal(t, tree.Cache(c), m.InstrumentCache(c))
}
