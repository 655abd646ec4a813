// Package reconcile repairs stored coordinates against the address API and
// decides, per record, whether the new position replaces the stored one.
package reconcile

import (
	"math"

	"github.com/sells-group/annuaire-sync/internal/geo"
)

// Outcome is the reconciliation verdict for one record.
type Outcome string

const (
	// Accept overwrites coordinates and score.
	Accept Outcome = "ACCEPT"
	// ScoreOnly keeps coordinates (same point) and updates the score.
	ScoreOnly Outcome = "SCORE_ONLY"
	// Flag records a low-confidence result beyond the alert distance; no mutation.
	Flag Outcome = "FLAG"
	// Reject ignores a low-confidence result within the alert distance.
	Reject Outcome = "REJECT"
	// NotFound means every geocoding attempt failed.
	NotFound Outcome = "NOT_FOUND"
	// Skipped means the record had no usable address.
	Skipped Outcome = "SKIPPED"
)

// Policy holds the decision thresholds.
type Policy struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	AlertDistanceKM     float64 `yaml:"alert_distance_km"`
	SamePointKM         float64 `yaml:"same_point_km"`
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceThreshold: 0.8,
		AlertDistanceKM:     0.5,
		SamePointKM:         0.05,
	}
}

// Decision is the verdict for one record. DistanceKM is +Inf when the stored
// position was unknown.
type Decision struct {
	Outcome    Outcome
	DistanceKM float64
	Score      float64
	Alert      bool
}

// Decide applies the policy to a stored position (nil when unknown) and a
// freshly resolved one.
func (p Policy) Decide(old *geo.Point, resolved geo.Point, score float64) Decision {
	if old == nil {
		return Decision{Outcome: Accept, DistanceKM: math.Inf(1), Score: score}
	}

	d := geo.HaversineKM(*old, resolved)
	dec := Decision{DistanceKM: d, Score: score, Alert: d > p.AlertDistanceKM}
	switch {
	case d < p.SamePointKM:
		dec.Outcome = ScoreOnly
	case score > p.ConfidenceThreshold:
		dec.Outcome = Accept
	case dec.Alert:
		dec.Outcome = Flag
	default:
		dec.Outcome = Reject
	}
	return dec
}

// Mutates reports whether the outcome writes to the store.
func (o Outcome) Mutates() bool {
	return o == Accept || o == ScoreOnly
}
