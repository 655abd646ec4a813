package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/annuaire-sync/internal/reconcile"
	"github.com/sells-group/annuaire-sync/internal/runlog"
	"github.com/sells-group/annuaire-sync/pkg/geocode"
)

type reconcileFlags struct {
	BatchSize   int
	Limit       int
	Concurrency int
	DryRun      bool
	LogPath     string
	Report      string
}

var geoReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile stored coordinates with the geocoder",
	Long:  "Geocodes every service whose coordinates are missing or below the confidence threshold, then accepts, re-scores, flags or rejects the result against the stored position.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("reconcile"); err != nil {
			return err
		}
		return runReconcile(ctx, cmd.OutOrStdout(), resolveReconcileFlags(cmd))
	},
}

func resolveReconcileFlags(cmd *cobra.Command) reconcileFlags {
	f := cmd.Flags()
	opts := reconcileFlags{
		BatchSize:   cfg.Reconcile.FetchBatchSize,
		Concurrency: cfg.Reconcile.Concurrency,
		LogPath:     cfg.Reconcile.LogPath,
	}
	if f.Changed("batch-size") {
		opts.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("concurrency") {
		opts.Concurrency, _ = f.GetInt("concurrency")
	}
	if f.Changed("log") {
		opts.LogPath, _ = f.GetString("log")
	}
	opts.Limit, _ = f.GetInt("limit")
	opts.DryRun, _ = f.GetBool("dry-run")
	opts.Report, _ = f.GetString("report")
	return opts
}

// newGeocodeCache builds the configured cache. The returned closer releases
// the Redis connection, if any.
func newGeocodeCache() (geocode.Cache, func() error) {
	if cfg.Geocode.Cache != "redis" {
		return geocode.NewMemoryCache(nil), func() error { return nil }
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Geocode.RedisAddr, DB: cfg.Geocode.RedisDB})
	return geocode.NewRedisCache(rdb, geocode.DefaultRedisPrefix), rdb.Close
}

func newGeocodeClient(cache geocode.Cache) geocode.Client {
	opts := []geocode.Option{
		geocode.WithBaseURL(cfg.Geocode.BaseURL),
		geocode.WithBatchSize(cfg.Geocode.BatchSize),
		geocode.WithRequestTimeout(time.Duration(cfg.Geocode.RequestTimeoutSecs) * time.Second),
		geocode.WithWaitBudget(time.Duration(cfg.Geocode.WaitBudgetSecs) * time.Second),
		geocode.WithCache(cache, time.Duration(cfg.Geocode.CacheTTLHours)*time.Hour),
	}
	if cfg.Geocode.RateLimit > 0 {
		opts = append(opts, geocode.WithRateLimit(cfg.Geocode.RateLimit))
	}
	return geocode.NewClient(opts...)
}

func runReconcile(ctx context.Context, out io.Writer, opts reconcileFlags) error {
	log := zap.L().With(zap.String("command", "geo.reconcile"))

	entries, err := runlog.OpenReconcileLog(opts.LogPath, clockwork.NewRealClock())
	if err != nil {
		return eris.Wrap(err, "geo reconcile: open log")
	}
	defer entries.Close() //nolint:errcheck

	st, err := openStore(ctx)
	if err != nil {
		return eris.Wrap(err, "geo reconcile: open store")
	}
	defer st.Close() //nolint:errcheck

	cache, closeCache := newGeocodeCache()
	defer closeCache() //nolint:errcheck
	client := newGeocodeClient(cache)

	log.Info("starting reconciliation",
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("limit", opts.Limit),
		zap.Int("concurrency", opts.Concurrency),
		zap.Bool("dry_run", opts.DryRun),
		zap.String("cache", cfg.Geocode.Cache),
	)

	rec := reconcile.New(st, client, entries, reconcile.Options{
		BatchSize:   opts.BatchSize,
		Limit:       opts.Limit,
		Concurrency: opts.Concurrency,
		DryRun:      opts.DryRun,
		Policy: reconcile.Policy{
			ConfidenceThreshold: cfg.Reconcile.ConfidenceThreshold,
			AlertDistanceKM:     cfg.Reconcile.AlertDistanceKM,
			SamePointKM:         cfg.Reconcile.SamePointKM,
		},
	})
	stats, err := rec.Run(ctx)
	if err != nil {
		return eris.Wrap(err, "geo reconcile")
	}

	gs := client.Stats()
	formatReconcileSummary(out, stats, gs, entries.Path(), entries.Counts())
	return writeReport(opts.Report, reconcileReport{
		Command:  "geo reconcile",
		Log:      entries.Path(),
		Stats:    stats,
		Geocoder: gs,
		Entries:  entries.Counts(),
	})
}

func init() {
	geoReconcileCmd.Flags().Int("batch-size", 500, "records fetched per page")
	geoReconcileCmd.Flags().Int("limit", 0, "stop after this many records (0 = all)")
	geoReconcileCmd.Flags().Int("concurrency", 4, "geocoding requests in flight per page (1 = sequential)")
	geoReconcileCmd.Flags().Bool("dry-run", false, "compute and log decisions without writing")
	geoReconcileCmd.Flags().String("log", "geocode_reconcile.log", "path of the decision log")
	geoReconcileCmd.Flags().String("report", "", "write the final summary as YAML to this file")
	geoCmd.AddCommand(geoReconcileCmd)
}
