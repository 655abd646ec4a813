package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/annuaire-sync/internal/geo"
	"github.com/sells-group/annuaire-sync/internal/resilience"
	"github.com/sells-group/annuaire-sync/internal/store"
	"github.com/sells-group/annuaire-sync/pkg/geocode"
)

// Store is the persistence subset the reconciler needs.
type Store interface {
	FindRecordsNeedingCoordinates(ctx context.Context, filter store.CandidateFilter) ([]store.Candidate, error)
	UpdateCoordinates(ctx context.Context, id int64, lat, lng, score float64) error
	UpdateScore(ctx context.Context, id int64, score float64) error
}

// EntryLog receives one line per decision and per distance anomaly.
type EntryLog interface {
	Entry(outcome, name, address, detail string) error
}

// AlertEntry is the log outcome of a distance anomaly.
const AlertEntry = "ALERT"

// Options configures a reconciliation run.
type Options struct {
	BatchSize   int  // records fetched per page (default 500)
	Limit       int  // stop after this many records (0 = all)
	Concurrency int  // > 1 resolves each page concurrently
	DryRun      bool // compute and log, never write
	Policy      Policy
}

// Stats summarizes a run.
type Stats struct {
	Examined  int           `yaml:"examined"`
	Accepted  int           `yaml:"accepted"`
	ScoreOnly int           `yaml:"score_only"`
	Flagged   int           `yaml:"flagged"`
	Rejected  int           `yaml:"rejected"`
	NotFound  int           `yaml:"not_found"`
	Skipped   int           `yaml:"skipped"`
	Alerts    int           `yaml:"alerts"`
	Failed    int           `yaml:"failed"`
	Batches   int           `yaml:"batches"`
	DryRun    bool          `yaml:"dry_run"`
	Duration  time.Duration `yaml:"duration"`
}

func (s *Stats) count(o Outcome) {
	switch o {
	case Accept:
		s.Accepted++
	case ScoreOnly:
		s.ScoreOnly++
	case Flag:
		s.Flagged++
	case Reject:
		s.Rejected++
	case NotFound:
		s.NotFound++
	case Skipped:
		s.Skipped++
	}
}

// Reconciler walks records needing coordinates in id order.
type Reconciler struct {
	store    Store
	geocoder geocode.Client
	entries  EntryLog
	opts     Options
	log      *zap.Logger
}

// New creates a Reconciler. Zero-valued options take their defaults.
func New(st Store, geocoder geocode.Client, entries EntryLog, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	return &Reconciler{
		store:    st,
		geocoder: geocoder,
		entries:  entries,
		opts:     opts,
		log:      zap.L().With(zap.String("component", "reconcile")),
	}
}

// Run processes every candidate page until the store is exhausted or the
// limit is reached. Store read failures and transient write failures abort
// the run; other write failures are counted and logged.
func (r *Reconciler) Run(ctx context.Context) (*Stats, error) {
	start := time.Now()
	stats := &Stats{DryRun: r.opts.DryRun}
	defer func() { stats.Duration = time.Since(start) }()

	var afterID int64
	for {
		fetch := r.opts.BatchSize
		if r.opts.Limit > 0 {
			remaining := r.opts.Limit - stats.Examined
			if remaining <= 0 {
				break
			}
			fetch = min(fetch, remaining)
		}

		page, err := r.store.FindRecordsNeedingCoordinates(ctx, store.CandidateFilter{
			MaxScore: r.opts.Policy.ConfidenceThreshold,
			AfterID:  afterID,
			Limit:    fetch,
		})
		if err != nil {
			return stats, eris.Wrap(err, "reconcile: fetch candidates")
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID
		stats.Batches++

		addresses := make(map[int64]string, len(page))
		for _, c := range page {
			addresses[c.ID] = BuildAddress(c.Address, c.PostalCode, c.City)
		}

		results, err := r.resolve(ctx, page, addresses)
		if err != nil {
			return stats, err
		}

		for _, c := range page {
			stats.Examined++
			if err := r.apply(ctx, c, addresses[c.ID], results[c.ID], stats); err != nil {
				return stats, err
			}
		}

		if p, ok := r.geocoder.(geocode.Purger); ok {
			if n := p.Purge(); n > 0 {
				r.log.Debug("expired geocode results purged", zap.Int("purged", n))
			}
		}

		r.log.Info("reconcile batch done",
			zap.Int("batch", stats.Batches),
			zap.Int("examined", stats.Examined),
			zap.Int("accepted", stats.Accepted),
			zap.Int("alerts", stats.Alerts),
			zap.Int64("last_id", afterID),
		)

		if len(page) < fetch {
			break
		}
	}
	return stats, nil
}

// resolve geocodes one page. Sequential mode walks the fallback ladder per
// record; concurrent mode resolves the first rung for the whole page through
// ResolveMany, then walks the rest of the ladder for misses on a bounded
// group. A record whose first rung was abandoned by the wait budget restarts
// the ladder from the top.
func (r *Reconciler) resolve(ctx context.Context, page []store.Candidate, addresses map[int64]string) (map[int64]*geocode.Result, error) {
	results := make(map[int64]*geocode.Result, len(page))

	if r.opts.Concurrency <= 1 {
		for _, c := range page {
			if err := ctx.Err(); err != nil {
				return nil, eris.Wrap(err, "reconcile: resolve")
			}
			if addr := addresses[c.ID]; addr != "" {
				results[c.ID] = r.geocoder.ResolveWithFallback(ctx, addr)
			}
		}
		return results, nil
	}

	queries := make(map[string]geocode.Query, len(page))
	for _, c := range page {
		if addr := addresses[c.ID]; addr != "" {
			queries[strconv.FormatInt(c.ID, 10)] = geocode.Query{Text: addr}
		}
	}
	first := r.geocoder.ResolveMany(ctx, queries)

	var mu sync.Mutex
	abandoned := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, c := range page {
		addr := addresses[c.ID]
		if addr == "" {
			continue
		}
		res, answered := first[strconv.FormatInt(c.ID, 10)]
		if res != nil {
			mu.Lock()
			results[c.ID] = res
			mu.Unlock()
			continue
		}
		rungs := geocode.FallbackQueries(addr)
		if answered {
			rungs = rungs[min(1, len(rungs)):]
		} else {
			abandoned++
		}
		if len(rungs) == 0 {
			continue
		}
		g.Go(func() error {
			for _, text := range rungs {
				if err := gctx.Err(); err != nil {
					return err
				}
				if res := r.geocoder.Geocode(gctx, geocode.Query{Text: text}); res != nil {
					mu.Lock()
					results[c.ID] = res
					mu.Unlock()
					return nil
				}
			}
			return nil
		})
	}
	if abandoned > 0 {
		r.log.Debug("retrying abandoned lookups from the full address", zap.Int("records", abandoned))
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "reconcile: resolve fallbacks")
	}
	return results, nil
}

func (r *Reconciler) apply(ctx context.Context, c store.Candidate, address string, res *geocode.Result, stats *Stats) error {
	if address == "" {
		stats.count(Skipped)
		return r.entry(Skipped, c.Name, address, "empty address")
	}
	if res == nil {
		stats.count(NotFound)
		return r.entry(NotFound, c.Name, address, "no geocoding result")
	}

	var old *geo.Point
	if c.HasCoordinates() {
		old = &geo.Point{Lat: *c.Latitude, Lng: *c.Longitude}
	}
	dec := r.opts.Policy.Decide(old, geo.Point{Lat: res.Latitude, Lng: res.Longitude}, res.Score)

	if dec.Alert {
		stats.Alerts++
		detail := fmt.Sprintf("distance %.2f km: (%.6f, %.6f) -> (%.6f, %.6f)",
			dec.DistanceKM, old.Lat, old.Lng, res.Latitude, res.Longitude)
		if err := r.entry(AlertEntry, c.Name, address, detail); err != nil {
			return err
		}
	}

	if !r.opts.DryRun && dec.Outcome.Mutates() {
		var err error
		if dec.Outcome == Accept {
			err = r.store.UpdateCoordinates(ctx, c.ID, res.Latitude, res.Longitude, res.Score)
		} else {
			err = r.store.UpdateScore(ctx, c.ID, res.Score)
		}
		if err != nil {
			if resilience.IsTransient(err) || ctx.Err() != nil {
				return eris.Wrapf(err, "reconcile: update %d", c.ID)
			}
			stats.Failed++
			r.log.Warn("reconcile: update failed", zap.Int64("id", c.ID), zap.Error(err))
			return r.entry("ERROR", c.Name, address, err.Error())
		}
	}

	stats.count(dec.Outcome)
	return r.entry(dec.Outcome, c.Name, address, describe(dec, res))
}

func describe(dec Decision, res *geocode.Result) string {
	dist := "no previous position"
	if !math.IsInf(dec.DistanceKM, 1) {
		dist = fmt.Sprintf("distance %.3f km", dec.DistanceKM)
	}
	return fmt.Sprintf("score %.2f, %s, resolved as %q", dec.Score, dist, res.Label)
}

func (r *Reconciler) entry(outcome Outcome, name, address, detail string) error {
	if r.entries == nil {
		return nil
	}
	return eris.Wrap(r.entries.Entry(string(outcome), name, address, detail), "reconcile: write log")
}
