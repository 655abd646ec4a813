package geocode

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The provider returns [longitude, latitude]; the client must swap the pair.
func TestDecodeFirstFeature_SwapsLonLat(t *testing.T) {
	r, err := decodeFirstFeature([]byte(featureJSON(2.3522, 48.8566, 0.97, "5 Rue de Lobau 75004 Paris")))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 48.8566, r.Latitude)
	assert.Equal(t, 2.3522, r.Longitude)
	assert.Equal(t, 0.97, r.Score)
	assert.Equal(t, "5 Rue de Lobau 75004 Paris", r.Label)
}

func TestDecodeFirstFeature_Edges(t *testing.T) {
	r, err := decodeFirstFeature([]byte(emptyCollection))
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = decodeFirstFeature([]byte(`<html>oops</html>`))
	require.Error(t, err)

	_, err = decodeFirstFeature([]byte(`{"features":[{"geometry":{"coordinates":[2.35]}}]}`))
	require.Error(t, err)

	// Latitude-first payloads from a misbehaving proxy fall outside the valid range.
	_, err = decodeFirstFeature([]byte(`{"features":[{"geometry":{"coordinates":[2.35,148.85]}}]}`))
	require.Error(t, err)
}

func TestGeocode_RequestShape(t *testing.T) {
	seen := make(chan *url.URL, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL
		_, _ = io.WriteString(w, featureJSON(5.7245, 45.1885, 0.91, "Grenoble"))
	})

	r := c.Geocode(context.Background(), Query{Street: "1 place Victor Hugo", PostalCode: "38000", City: "Grenoble"})
	require.NotNil(t, r)
	u := <-seen
	assert.Equal(t, "/search/", u.Path)
	assert.Equal(t, "1 place Victor Hugo 38000 Grenoble", u.Query().Get("q"))
	assert.Equal(t, "1", u.Query().Get("limit"))
	assert.InDelta(t, 45.1885, r.Latitude, 1e-9)
	assert.InDelta(t, 5.7245, r.Longitude, 1e-9)
}

func TestGeocode_FailuresYieldNil(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		stats   Stats
	}{
		{
			name:    "no candidates",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, emptyCollection) },
			stats:   Stats{CacheMisses: 1, Requests: 1, NotFound: 1},
		},
		{
			name:    "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, `{"features":`) },
			stats:   Stats{CacheMisses: 1, Requests: 1, Errors: 1},
		},
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			stats:   Stats{CacheMisses: 1, Requests: 1, Errors: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.handler)
			assert.Nil(t, c.Geocode(context.Background(), Query{Text: "nowhere"}))
			assert.Equal(t, tt.stats, c.Stats())
		})
	}
}

func TestGeocode_EmptyQuerySkipsProvider(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("provider must not be called")
	})
	assert.Nil(t, c.Geocode(context.Background(), Query{Text: "   "}))
	assert.Equal(t, Stats{}, c.Stats())
}

func TestGeocode_CachesOnlyHits(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("q") == "known" {
			_, _ = io.WriteString(w, featureJSON(2.35, 48.85, 0.9, "known"))
			return
		}
		_, _ = io.WriteString(w, emptyCollection)
	})
	ctx := context.Background()

	require.NotNil(t, c.Geocode(ctx, Query{Text: "known"}))
	require.NotNil(t, c.Geocode(ctx, Query{Text: "  KNOWN "}))
	assert.Nil(t, c.Geocode(ctx, Query{Text: "unknown"}))
	assert.Nil(t, c.Geocode(ctx, Query{Text: "unknown"}))

	assert.Equal(t, int32(3), calls.Load())
	s := c.Stats()
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(3), s.CacheMisses)
}
