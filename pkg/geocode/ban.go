package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
)

// featureCollection is the GeoJSON body returned by /search.
type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Geometry struct {
		Type string `json:"type"`
		// GeoJSON order: [longitude, latitude].
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
	Properties struct {
		Label    string  `json:"label"`
		Score    float64 `json:"score"`
		Postcode string  `json:"postcode"`
		City     string  `json:"city"`
	} `json:"properties"`
}

// maxResponseBytes caps a single provider response.
const maxResponseBytes = 1 << 20

// search issues GET /search/?q=...&limit=1. No candidate yields (nil, nil).
func (g *geocoder) search(ctx context.Context, text string) (*Result, error) {
	params := url.Values{
		"q":     {text},
		"limit": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search/?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("geocode: provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}
	return decodeFirstFeature(body)
}

// decodeFirstFeature converts the first feature into a Result, swapping the
// wire [lon, lat] pair into Latitude/Longitude.
func decodeFirstFeature(body []byte) (*Result, error) {
	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	if len(fc.Features) == 0 {
		return nil, nil
	}
	f := fc.Features[0]
	if len(f.Geometry.Coordinates) < 2 {
		return nil, eris.New("geocode: feature without coordinates")
	}
	lon, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, eris.Errorf("geocode: coordinates out of range [%v, %v]", lon, lat)
	}
	return &Result{
		Latitude:  lat,
		Longitude: lon,
		Label:     f.Properties.Label,
		Score:     f.Properties.Score,
	}, nil
}
