package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/annuaire-sync/internal/ingest"
	"github.com/sells-group/annuaire-sync/internal/reconcile"
	"github.com/sells-group/annuaire-sync/pkg/geocode"
)

// importReport is the --report document of an import run.
type importReport struct {
	Command  string        `yaml:"command"`
	Source   string        `yaml:"source"`
	ErrorLog string        `yaml:"error_log"`
	Stats    *ingest.Stats `yaml:"stats"`
}

// reconcileReport is the --report document of a reconciliation run.
type reconcileReport struct {
	Command  string           `yaml:"command"`
	Log      string           `yaml:"log"`
	Stats    *reconcile.Stats `yaml:"stats"`
	Geocoder geocode.Stats    `yaml:"geocoder"`
	Entries  map[string]int   `yaml:"entries"`
}

// formatImportSummary writes the final import counters to out.
func formatImportSummary(out io.Writer, s *ingest.Stats, errorLog string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", s.RunID)
	if s.Resumed > 0 {
		_, _ = fmt.Fprintf(w, "Resumed past:\t%s\n", humanize.Comma(int64(s.Resumed)))
	}
	_, _ = fmt.Fprintf(w, "Examined:\t%s\n", humanize.Comma(int64(s.Examined)))
	_, _ = fmt.Fprintf(w, "Succeeded:\t%s\n", humanize.Comma(int64(s.Succeeded)))
	_, _ = fmt.Fprintf(w, "  Inserted:\t%s\n", humanize.Comma(int64(s.Inserted)))
	_, _ = fmt.Fprintf(w, "  Updated:\t%s\n", humanize.Comma(int64(s.Updated)))
	_, _ = fmt.Fprintf(w, "  Kept:\t%s\n", humanize.Comma(int64(s.Kept)))
	_, _ = fmt.Fprintf(w, "Failed:\t%s\n", humanize.Comma(int64(s.Failed)))
	_, _ = fmt.Fprintf(w, "Skipped (invalid):\t%s\n", humanize.Comma(int64(s.Skipped)))
	if s.Dropped > 0 {
		_, _ = fmt.Fprintf(w, "Dropped (malformed):\t%s\n", humanize.Comma(int64(s.Dropped)))
	}
	_, _ = fmt.Fprintf(w, "Batches:\t%d\n", s.Batches)
	_, _ = fmt.Fprintf(w, "Peak heap:\t%s\n", humanize.IBytes(s.PeakHeap))
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Error log:\t%s\n", errorLog)
	_ = w.Flush()
}

// formatReconcileSummary writes the final reconciliation counters to out.
func formatReconcileSummary(out io.Writer, s *reconcile.Stats, gs geocode.Stats, logPath string, entries map[string]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if s.DryRun {
		_, _ = fmt.Fprintln(w, "Mode:\tdry run (no writes)")
	}
	_, _ = fmt.Fprintf(w, "Examined:\t%s\n", humanize.Comma(int64(s.Examined)))
	_, _ = fmt.Fprintf(w, "Accepted:\t%d\n", s.Accepted)
	_, _ = fmt.Fprintf(w, "Score only:\t%d\n", s.ScoreOnly)
	_, _ = fmt.Fprintf(w, "Flagged:\t%d\n", s.Flagged)
	_, _ = fmt.Fprintf(w, "Rejected:\t%d\n", s.Rejected)
	_, _ = fmt.Fprintf(w, "Not found:\t%d\n", s.NotFound)
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Distance alerts:\t%d\n", s.Alerts)
	_, _ = fmt.Fprintf(w, "Write failures:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Batches:\t%d\n", s.Batches)
	_, _ = fmt.Fprintf(w, "Geocoder requests:\t%d\n", gs.Requests)
	_, _ = fmt.Fprintf(w, "  Cache hits:\t%d\n", gs.CacheHits)
	_, _ = fmt.Fprintf(w, "  Cache misses:\t%d\n", gs.CacheMisses)
	_, _ = fmt.Fprintf(w, "  Not found:\t%d\n", gs.NotFound)
	_, _ = fmt.Fprintf(w, "  Errors:\t%d\n", gs.Errors)
	_, _ = fmt.Fprintf(w, "  Abandoned:\t%d\n", gs.Abandoned)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", s.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintf(w, "Decision log:\t%s\n", logPath)
	if len(entries) > 0 {
		outcomes := make([]string, 0, len(entries))
		for o := range entries {
			outcomes = append(outcomes, o)
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			_, _ = fmt.Fprintf(w, "Log %s:\t%d\n", o, entries[o])
		}
	}
	_ = w.Flush()
}

// writeReport marshals v as YAML to path. An empty path is a no-op.
func writeReport(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "report: marshal")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "report: write %s", path)
	}
	return nil
}
