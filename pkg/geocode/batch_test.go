package geocode

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMany_MixesCacheAndProvider(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Query().Get("q") {
		case "b":
			_, _ = io.WriteString(w, featureJSON(2.0, 48.0, 0.8, "b"))
		case "c":
			_, _ = io.WriteString(w, emptyCollection)
		default:
			_, _ = io.WriteString(w, featureJSON(1.0, 47.0, 0.9, "a"))
		}
	})
	ctx := context.Background()
	require.NotNil(t, c.Geocode(ctx, Query{Text: "a"}))

	got := c.ResolveMany(ctx, map[string]Query{
		"1": {Text: "a"},
		"2": {Text: "b"},
		"3": {Text: "c"},
		"4": {},
	})

	require.Len(t, got, 4)
	assert.Equal(t, 47.0, got["1"].Latitude)
	assert.Equal(t, 48.0, got["2"].Latitude)
	assert.Equal(t, 2.0, got["2"].Longitude)
	assert.Nil(t, got["3"])
	assert.Nil(t, got["4"])
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(1), c.Stats().CacheHits)
}

func TestResolveMany_BoundsInFlight(t *testing.T) {
	var inFlight, peak atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = io.WriteString(w, featureJSON(2.35, 48.85, 0.9, "x"))
	}, WithBatchSize(3))

	queries := make(map[string]Query)
	for i := range 12 {
		queries[strconv.Itoa(i)] = Query{Text: "rue " + strconv.Itoa(i)}
	}
	got := c.ResolveMany(context.Background(), queries)

	for k, r := range got {
		assert.NotNil(t, r, k)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(12), c.Stats().Requests)
}

// A fast response is consumed while a slow one is still in flight.
func TestResolveMany_CompletionOrder(t *testing.T) {
	release := make(chan struct{})
	var fastDone atomic.Bool
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "slow" {
			<-release
		} else {
			fastDone.Store(true)
		}
		_, _ = io.WriteString(w, featureJSON(2.35, 48.85, 0.9, "x"))
	}, WithBatchSize(2))

	go func() {
		for !fastDone.Load() {
			time.Sleep(5 * time.Millisecond)
		}
		close(release)
	}()

	got := c.ResolveMany(context.Background(), map[string]Query{
		"a": {Text: "slow"},
		"b": {Text: "fast"},
	})
	assert.NotNil(t, got["a"])
	assert.NotNil(t, got["b"])
}

func TestResolveMany_WaitBudgetAbandonsStuckRequests(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "stuck" {
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, featureJSON(2.35, 48.85, 0.9, "ok"))
	}, WithBatchSize(1), WithWaitBudget(150*time.Millisecond), WithRequestTimeout(10*time.Second))

	start := time.Now()
	got := c.ResolveMany(context.Background(), map[string]Query{
		"a": {Text: "ok"},
		"b": {Text: "stuck"},
		"c": {Text: "never sent"},
	})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotNil(t, got["a"])
	assert.NotContains(t, got, "b")
	assert.NotContains(t, got, "c")
	s := c.Stats()
	assert.Equal(t, int64(2), s.Abandoned)
	assert.Equal(t, int64(0), s.Errors)
}

func TestResolveWithFallback_Ladder(t *testing.T) {
	var queries []string
	seen := make(chan string, 10)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		seen <- q
		if q == "75004 Paris" {
			_, _ = io.WriteString(w, featureJSON(2.3522, 48.8566, 0.6, "Paris"))
			return
		}
		_, _ = io.WriteString(w, emptyCollection)
	})

	r := c.ResolveWithFallback(context.Background(), "5 Rüe  de Lobaü, 75004 Paris")
	require.NotNil(t, r)
	assert.Equal(t, 48.8566, r.Latitude)

	close(seen)
	for q := range seen {
		queries = append(queries, q)
	}
	assert.Equal(t, []string{"5 Rüe  de Lobaü, 75004 Paris", "5 Rue de Lobau, 75004 Paris", "75004 Paris"}, queries)
	assert.Equal(t, int64(2), c.Stats().NotFound)
}

func TestResolveWithFallback_Exhausted(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, emptyCollection)
	})
	assert.Nil(t, c.ResolveWithFallback(context.Background(), "Lieu-dit sans code"))
	assert.Nil(t, c.ResolveWithFallback(context.Background(), ""))
}
