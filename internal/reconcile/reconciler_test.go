package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/annuaire-sync/internal/store"
	"github.com/sells-group/annuaire-sync/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func f64(v float64) *float64 { return &v }

type memStore struct {
	mu        sync.Mutex
	rows      []store.Candidate
	coordsSet map[int64][3]float64
	scoreSet  map[int64]float64
	pages     []store.CandidateFilter
	updateErr error
}

func newMemStore(rows ...store.Candidate) *memStore {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return &memStore{rows: rows, coordsSet: map[int64][3]float64{}, scoreSet: map[int64]float64{}}
}

func (m *memStore) FindRecordsNeedingCoordinates(_ context.Context, f store.CandidateFilter) ([]store.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, f)
	var out []store.Candidate
	for _, r := range m.rows {
		if r.ID <= f.AfterID || (r.Score != nil && *r.Score > f.MaxScore) {
			continue
		}
		out = append(out, r)
		if len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) row(id int64) *store.Candidate {
	for i := range m.rows {
		if m.rows[i].ID == id {
			return &m.rows[i]
		}
	}
	return nil
}

func (m *memStore) UpdateCoordinates(_ context.Context, id int64, lat, lng, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.coordsSet[id] = [3]float64{lat, lng, score}
	r := m.row(id)
	r.Latitude, r.Longitude, r.Score = f64(lat), f64(lng), f64(score)
	return nil
}

func (m *memStore) UpdateScore(_ context.Context, id int64, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.scoreSet[id] = score
	m.row(id).Score = f64(score)
	return nil
}

// fakeGeocoder answers from a fixed table of query text to result.
type fakeGeocoder struct {
	mu      sync.Mutex
	answers map[string]*geocode.Result
	calls   []string
	many    int
}

func (f *fakeGeocoder) Geocode(_ context.Context, q geocode.Query) *geocode.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, q.String())
	return f.answers[q.String()]
}

func (f *fakeGeocoder) ResolveMany(ctx context.Context, queries map[string]geocode.Query) map[string]*geocode.Result {
	f.mu.Lock()
	f.many++
	f.mu.Unlock()
	out := make(map[string]*geocode.Result, len(queries))
	for k, q := range queries {
		out[k] = f.Geocode(ctx, q)
	}
	return out
}

func (f *fakeGeocoder) ResolveWithFallback(ctx context.Context, address string) *geocode.Result {
	for _, q := range geocode.FallbackQueries(address) {
		if r := f.Geocode(ctx, geocode.Query{Text: q}); r != nil {
			return r
		}
	}
	return nil
}

func (f *fakeGeocoder) Stats() geocode.Stats { return geocode.Stats{} }

type logLine struct{ outcome, name, address, detail string }

type memLog struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *memLog) Entry(outcome, name, address, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{outcome, name, address, detail})
	return nil
}

func (l *memLog) outcomes() []string {
	var out []string
	for _, line := range l.lines {
		out = append(out, line.outcome)
	}
	return out
}

func fixture() (*memStore, *fakeGeocoder) {
	st := newMemStore(
		// 1: no stored position, low confidence result still fills it.
		store.Candidate{ID: 1, Name: "CAF", Address: "1 rue A", PostalCode: "38000", City: "Grenoble"},
		// 2: jitter, score only.
		store.Candidate{ID: 2, Name: "Mairie", Address: "2 rue B", PostalCode: "75004", City: "Paris",
			Latitude: f64(48.85), Longitude: f64(2.35), Score: f64(0.5)},
		// 3: far and confident: alert + accept.
		store.Candidate{ID: 3, Name: "Préfecture", Address: "3 rue C", PostalCode: "38000", City: "Grenoble",
			Latitude: f64(45.0), Longitude: f64(5.0)},
		// 4: far and unsure: alert + flag.
		store.Candidate{ID: 4, Name: "Tribunal", Address: "4 rue D", PostalCode: "38000", City: "Grenoble",
			Latitude: f64(45.0), Longitude: f64(5.0)},
		// 5: no address at all.
		store.Candidate{ID: 5, Name: "Fantôme"},
		// 6: unresolvable.
		store.Candidate{ID: 6, Name: "Inconnu", Address: "nulle part"},
		// 7: already confident, never a candidate.
		store.Candidate{ID: 7, Name: "Sûr", Address: "7 rue E", Score: f64(0.95)},
	)
	gc := &fakeGeocoder{answers: map[string]*geocode.Result{
		"1 rue A, 38000 Grenoble": {Latitude: 45.0, Longitude: 5.0, Score: 0.4},
		"2 rue B, 75004 Paris":    {Latitude: 48.8501, Longitude: 2.3501, Score: 0.9},
		"3 rue C, 38000 Grenoble": {Latitude: 45.2, Longitude: 5.3, Score: 0.95},
		"38000 Grenoble":          {Latitude: 45.2, Longitude: 5.3, Score: 0.5},
	}}
	return st, gc
}

func TestReconciler_Run(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			st, gc := fixture()
			log := &memLog{}
			r := New(st, gc, log, Options{BatchSize: 2, Concurrency: concurrency})

			stats, err := r.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 6, stats.Examined)
			assert.Equal(t, 2, stats.Accepted)
			assert.Equal(t, 1, stats.ScoreOnly)
			assert.Equal(t, 1, stats.Flagged)
			assert.Equal(t, 1, stats.Skipped)
			assert.Equal(t, 1, stats.NotFound)
			assert.Equal(t, 2, stats.Alerts)
			assert.Equal(t, 3, stats.Batches)

			assert.Equal(t, [3]float64{45.0, 5.0, 0.4}, st.coordsSet[1])
			assert.Equal(t, [3]float64{45.2, 5.3, 0.95}, st.coordsSet[3])
			assert.Equal(t, 0.9, st.scoreSet[2])
			assert.NotContains(t, st.coordsSet, int64(2))
			assert.NotContains(t, st.coordsSet, int64(4))

			assert.Equal(t, []string{
				"ACCEPT", "SCORE_ONLY",
				"ALERT", "ACCEPT", "ALERT", "FLAG",
				"SKIPPED", "NOT_FOUND",
			}, log.outcomes())
			assert.Equal(t, "Préfecture", log.lines[2].name)
			assert.Contains(t, log.lines[2].detail, "distance 32.")

			if concurrency > 1 {
				assert.Equal(t, 3, gc.many)
			} else {
				assert.Equal(t, 0, gc.many)
			}
		})
	}
}

func TestReconciler_DryRunNeverWrites(t *testing.T) {
	st, gc := fixture()
	log := &memLog{}
	stats, err := New(st, gc, log, Options{DryRun: true}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, stats.DryRun)
	assert.Empty(t, st.coordsSet)
	assert.Empty(t, st.scoreSet)
	assert.Equal(t, 2, stats.Accepted)
	assert.Equal(t, 2, stats.Alerts)
	assert.Len(t, log.lines, 8)
}

func TestReconciler_KeysetPagingAndLimit(t *testing.T) {
	st, gc := fixture()
	stats, err := New(st, gc, nil, Options{BatchSize: 2, Limit: 3}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Examined)
	require.Len(t, st.pages, 2)
	assert.Equal(t, store.CandidateFilter{MaxScore: 0.8, AfterID: 0, Limit: 2}, st.pages[0])
	assert.Equal(t, store.CandidateFilter{MaxScore: 0.8, AfterID: 2, Limit: 1}, st.pages[1])
}

func TestReconciler_UpdateFailures(t *testing.T) {
	t.Run("permanent failure is counted", func(t *testing.T) {
		st, gc := fixture()
		st.updateErr = errors.New("store: service 1 not found")
		log := &memLog{}
		stats, err := New(st, gc, log, Options{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Failed)
		assert.Equal(t, 0, stats.Accepted)
		assert.Contains(t, log.outcomes(), "ERROR")
	})

	t.Run("transient failure aborts", func(t *testing.T) {
		st, gc := fixture()
		st.updateErr = fmt.Errorf("write: %w", syscall.ECONNRESET)
		stats, err := New(st, gc, nil, Options{}).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reconcile: update 1")
		assert.Equal(t, 1, stats.Examined)
	})
}

func TestReconciler_CancelledContext(t *testing.T) {
	st, gc := fixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(st, gc, nil, Options{}).Run(ctx)
	require.Error(t, err)
}

// A first-rung lookup cut off by the wait budget must be retried as given,
// not replaced by the locality centroid.
func TestReconciler_AbandonedLookupRestartsLadder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("q") {
		case "1 rue A, 38000 Grenoble":
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
			_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[{"type":"Feature",
				"geometry":{"type":"Point","coordinates":[5.0,45.0]},"properties":{"label":"1 Rue A","score":0.95}}]}`)
		case "38000 Grenoble":
			_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[{"type":"Feature",
				"geometry":{"type":"Point","coordinates":[5.72,45.18]},"properties":{"label":"Grenoble","score":0.3}}]}`)
		default:
			_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
		}
	}))
	defer srv.Close()

	for _, concurrency := range []int{1, 2} {
		t.Run(fmt.Sprintf("concurrency=%d", concurrency), func(t *testing.T) {
			client := geocode.NewClient(
				geocode.WithBaseURL(srv.URL),
				geocode.WithHTTPClient(srv.Client()),
				geocode.WithRateLimit(1000),
				geocode.WithWaitBudget(100*time.Millisecond),
				geocode.WithRequestTimeout(5*time.Second),
			)
			st := newMemStore(store.Candidate{ID: 1, Name: "CAF", Address: "1 rue A", PostalCode: "38000", City: "Grenoble"})

			stats, err := New(st, client, nil, Options{Concurrency: concurrency}).Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, stats.Accepted)
			assert.Equal(t, [3]float64{45.0, 5.0, 0.95}, st.coordsSet[1])
			if concurrency > 1 {
				assert.Equal(t, int64(1), client.Stats().Abandoned)
			}
		})
	}
}

// A key the geocoder answered with nil only walks the remaining rungs.
func TestReconciler_AnsweredMissSkipsFirstRung(t *testing.T) {
	st := newMemStore(store.Candidate{ID: 1, Name: "CAF", Address: "1 rue A", PostalCode: "38000", City: "Grenoble"})
	gc := &fakeGeocoder{answers: map[string]*geocode.Result{
		"38000 Grenoble": {Latitude: 45.18, Longitude: 5.72, Score: 0.3},
	}}

	_, err := New(st, gc, nil, Options{Concurrency: 2}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, countCalls(gc, "1 rue A, 38000 Grenoble"))
	assert.Equal(t, [3]float64{45.18, 5.72, 0.3}, st.coordsSet[1])
}

func countCalls(gc *fakeGeocoder, q string) int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	n := 0
	for _, c := range gc.calls {
		if c == q {
			n++
		}
	}
	return n
}

type purgingGeocoder struct {
	*fakeGeocoder
	purges int
}

func (p *purgingGeocoder) Purge() int {
	p.purges++
	return 1
}

func TestReconciler_PurgesCacheAfterEachPage(t *testing.T) {
	st, gc := fixture()
	pg := &purgingGeocoder{fakeGeocoder: gc}

	stats, err := New(st, pg, nil, Options{BatchSize: 2}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats.Batches, pg.purges)
}
