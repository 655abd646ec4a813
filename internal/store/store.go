// Package store persists normalized directory records and serves the
// coordinate reconciliation queries.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/sells-group/annuaire-sync/internal/annuaire"
	"github.com/sells-group/annuaire-sync/internal/resilience"
)

// Outcome describes what Batch.Save did with a record.
type Outcome int

const (
	// Inserted means the external id was new.
	Inserted Outcome = iota
	// Updated means an existing row was overwritten.
	Updated
	// Kept means an existing row was left untouched (skip-existing).
	Kept
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Kept:
		return "kept"
	default:
		return "unknown"
	}
}

// Candidate is a stored record whose coordinates need reconciliation.
type Candidate struct {
	ID         int64
	ExternalID string
	Name       string
	Address    string
	PostalCode string
	City       string
	Latitude   *float64
	Longitude  *float64
	Score      *float64
}

// HasCoordinates reports whether the stored position is known.
func (c Candidate) HasCoordinates() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// CandidateFilter selects records needing coordinates with keyset pagination:
// rows with id > AfterID whose score is null or <= MaxScore, in id order.
type CandidateFilter struct {
	MaxScore float64
	AfterID  int64
	Limit    int
}

// Batch is one atomic unit of writes. Save isolates each record so a
// RecordError leaves sibling records in the batch intact.
type Batch interface {
	Save(ctx context.Context, rec annuaire.Record, allowOverwrite bool) (Outcome, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the persistence collaborator of the import and reconcile pipelines.
type Store interface {
	BeginBatch(ctx context.Context) (Batch, error)
	FindRecordsNeedingCoordinates(ctx context.Context, filter CandidateFilter) ([]Candidate, error)
	UpdateCoordinates(ctx context.Context, id int64, lat, lng, score float64) error
	UpdateScore(ctx context.Context, id int64, score float64) error

	// ReleaseTrackedState drops per-record bookkeeping accumulated since the
	// last call. Long imports call it periodically to bound memory.
	ReleaseTrackedState()
	// Tracked returns the number of bookkeeping entries currently held.
	Tracked() int

	Migrate(ctx context.Context) error
	Close() error
}

// RecordError is a failure confined to one record (constraint violation,
// value too long, unencodable field). The batch can continue past it.
type RecordError struct {
	ExternalID string
	Err        error
}

func (e *RecordError) Error() string {
	return "record " + e.ExternalID + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// IsRecordError reports whether err is confined to a single record.
// Transient connection failures never are, even when wrapped in a RecordError.
func IsRecordError(err error) bool {
	if err == nil || resilience.IsTransient(err) {
		return false
	}
	var re *RecordError
	return errors.As(err, &re)
}

// tracker remembers external ids written since the last release so repeated
// ids in a skip-existing run are answered without a round trip.
// Entries from a batch are merged only once the batch commits.
type tracker struct {
	mu   sync.Mutex
	seen map[string]int64
}

func newTracker() *tracker {
	return &tracker{seen: make(map[string]int64)}
}

func (t *tracker) lookup(externalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[externalID]
	return ok
}

func (t *tracker) merge(pending map[string]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range pending {
		t.seen[k] = v
	}
}

func (t *tracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A fresh map returns the old buckets to the allocator.
	t.seen = make(map[string]int64)
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
