// Package ingest drives a source through the transformer into the store in
// fixed-size atomic batches.
package ingest

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/annuaire-sync/internal/annuaire"
	"github.com/sells-group/annuaire-sync/internal/store"
)

// Store is the persistence subset the importer needs.
type Store interface {
	BeginBatch(ctx context.Context) (store.Batch, error)
	ReleaseTrackedState()
	Tracked() int
}

// ErrorLog receives one line per skipped or failed record.
type ErrorLog interface {
	Record(index int, externalID, message, name string) error
}

// Options configures an import run.
type Options struct {
	BatchSize     int   // records per transaction (default 100)
	StartFrom     int   // positions <= StartFrom are discarded; <= 0 disables
	Limit         int   // stop after this many processed records (0 = all)
	SkipExisting  bool  // keep rows whose external id is already stored
	CleanupEvery  int   // release tracked state every N batches (default 10)
	ProgressEvery int   // log progress every N positions (default 1000)
	MemoryLimit   int64 // soft heap ceiling in bytes (0 = runtime default)
}

// Stats summarizes an import run.
type Stats struct {
	RunID     uuid.UUID     `yaml:"run_id"`
	Examined  int           `yaml:"examined"`
	Resumed   int           `yaml:"resumed"`
	Succeeded int           `yaml:"succeeded"`
	Inserted  int           `yaml:"inserted"`
	Updated   int           `yaml:"updated"`
	Kept      int           `yaml:"kept"`
	Failed    int           `yaml:"failed"`
	Skipped   int           `yaml:"skipped"`
	Dropped   int           `yaml:"dropped"`
	Batches   int           `yaml:"batches"`
	PeakHeap  uint64        `yaml:"peak_heap_bytes"`
	Duration  time.Duration `yaml:"duration"`
}

type pending struct {
	pos int
	rec annuaire.Record
}

type failure struct {
	pos int
	rec annuaire.Record
	err error
}

// Importer runs one import. It is single-use.
type Importer struct {
	store  Store
	errLog ErrorLog
	opts   Options
	runID  uuid.UUID
	log    *zap.Logger
}

// New creates an Importer. errLog may be nil.
func New(st Store, errLog ErrorLog, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = 10
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 1000
	}
	runID := uuid.New()
	return &Importer{
		store:  st,
		errLog: errLog,
		opts:   opts,
		runID:  runID,
		log: zap.L().With(
			zap.String("component", "ingest"),
			zap.String("run_id", runID.String()),
		),
	}
}

// Run consumes dec until it is exhausted or the limit is reached, then flushes
// the final partial batch. Invalid records and row-level store errors are
// counted and logged; any other store error rolls back the current batch and
// ends the run.
func (im *Importer) Run(ctx context.Context, dec Decoder) (*Stats, error) {
	start := time.Now()
	stats := &Stats{RunID: im.runID}
	defer func() { stats.Duration = time.Since(start) }()

	if im.opts.MemoryLimit > 0 {
		prev := debug.SetMemoryLimit(im.opts.MemoryLimit)
		defer debug.SetMemoryLimit(prev)
	}

	im.log.Info("import started",
		zap.Int("batch_size", im.opts.BatchSize),
		zap.Int("start_from", im.opts.StartFrom),
		zap.Int("limit", im.opts.Limit),
		zap.Bool("skip_existing", im.opts.SkipExisting),
	)

	batch := make([]pending, 0, im.opts.BatchSize)
	pos := -1
	for {
		if im.opts.Limit > 0 && len(batch)+stats.Succeeded+stats.Failed+stats.Skipped >= im.opts.Limit {
			im.log.Info("limit reached", zap.Int("limit", im.opts.Limit))
			break
		}
		if !dec.Next() {
			break
		}
		pos++

		if im.opts.StartFrom > 0 && pos <= im.opts.StartFrom {
			stats.Resumed++
			continue
		}
		stats.Examined++

		rec, err := dec.Record()
		if err == nil {
			err = annuaire.Validate(rec)
		}
		if err != nil {
			stats.Skipped++
			if err := im.logFailure(failure{pos: pos, rec: rec, err: err}); err != nil {
				return stats, err
			}
		} else {
			batch = append(batch, pending{pos: pos, rec: rec})
		}

		if len(batch) >= im.opts.BatchSize {
			if err := im.flush(ctx, batch, stats); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}

		if stats.Examined%im.opts.ProgressEvery == 0 {
			im.progress(stats, pos)
		}
	}

	if len(batch) > 0 {
		if err := im.flush(ctx, batch, stats); err != nil {
			return stats, err
		}
	}
	stats.Dropped = dec.Dropped()

	if err := dec.Err(); err != nil {
		return stats, eris.Wrap(err, "ingest: read source")
	}

	im.log.Info("import finished",
		zap.Int("examined", stats.Examined),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("batches", stats.Batches),
	)
	return stats, nil
}

// flush writes one batch in a single transaction. Failures are written to the
// error log only once the batch has committed.
func (im *Importer) flush(ctx context.Context, batch []pending, stats *Stats) error {
	b, err := im.store.BeginBatch(ctx)
	if err != nil {
		return eris.Wrap(err, "ingest: begin batch")
	}

	var inserted, updated, kept int
	var failures []failure
	for _, p := range batch {
		out, err := b.Save(ctx, p.rec, !im.opts.SkipExisting)
		if err != nil {
			if store.IsRecordError(err) {
				failures = append(failures, failure{pos: p.pos, rec: p.rec, err: err})
				continue
			}
			if rbErr := b.Rollback(ctx); rbErr != nil {
				im.log.Warn("rollback failed", zap.Error(rbErr))
			}
			return eris.Wrapf(err, "ingest: save record at position %d", p.pos)
		}
		switch out {
		case store.Inserted:
			inserted++
		case store.Updated:
			updated++
		case store.Kept:
			kept++
		}
	}

	if err := b.Commit(ctx); err != nil {
		return eris.Wrapf(err, "ingest: commit batch %d", stats.Batches+1)
	}

	stats.Batches++
	stats.Inserted += inserted
	stats.Updated += updated
	stats.Kept += kept
	stats.Succeeded += inserted + updated + kept
	stats.Failed += len(failures)
	for _, f := range failures {
		if err := im.logFailure(f); err != nil {
			return err
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats.PeakHeap = max(stats.PeakHeap, mem.HeapAlloc)

	if stats.Batches%im.opts.CleanupEvery == 0 {
		tracked := im.store.Tracked()
		im.store.ReleaseTrackedState()
		runtime.GC()
		im.log.Debug("released tracked state",
			zap.Int("batch", stats.Batches),
			zap.Int("tracked", tracked),
		)
	}
	return nil
}

func (im *Importer) logFailure(f failure) error {
	im.log.Debug("record not imported",
		zap.Int("position", f.pos),
		zap.String("external_id", f.rec.ExternalID),
		zap.Error(f.err),
	)
	if im.errLog == nil {
		return nil
	}
	if err := im.errLog.Record(f.pos, f.rec.ExternalID, f.err.Error(), f.rec.Name); err != nil {
		return eris.Wrap(err, "ingest: write error log")
	}
	return nil
}

func (im *Importer) progress(stats *Stats, pos int) {
	im.log.Info("import progress",
		zap.Int("position", pos),
		zap.Int("examined", stats.Examined),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("batches", stats.Batches),
		zap.Uint64("peak_heap", stats.PeakHeap),
	)
}
