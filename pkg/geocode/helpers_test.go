package geocode

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func featureJSON(lon, lat, score float64, label string) string {
	return fmt.Sprintf(`{"type":"FeatureCollection","features":[{"type":"Feature",
		"geometry":{"type":"Point","coordinates":[%v,%v]},
		"properties":{"label":%q,"score":%v,"postcode":"75004","city":"Paris"}}]}`, lon, lat, label, score)
}

const emptyCollection = `{"type":"FeatureCollection","features":[]}`

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base := []Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithLimiter(newTestLimiter()),
		WithRequestTimeout(2 * time.Second),
		WithWaitBudget(5 * time.Second),
	}
	return NewClient(append(base, opts...)...), srv
}
