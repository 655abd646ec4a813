package main

import (
	"context"
	"io"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/annuaire-sync/internal/fetcher"
	"github.com/sells-group/annuaire-sync/internal/ingest"
	"github.com/sells-group/annuaire-sync/internal/runlog"
)

// importFlags are the resolved import settings: flags set on the command line
// win over config values.
type importFlags struct {
	BatchSize    int
	Limit        int
	StartFrom    int
	SkipExisting bool
	MemoryLimit  string
	CleanupEvery int
	ErrorLog     string
	Format       string
	Report       string
}

var importCmd = &cobra.Command{
	Use:   "import <path|url>",
	Short: "Import the directory export into the database",
	Long:  "Streams the service array of a JSON export (plain or zipped) or a CSV export, validating each entry and committing fixed-size batches. An http(s) URL is downloaded first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("import"); err != nil {
			return err
		}
		return runImport(cmd.Context(), cmd.OutOrStdout(), args[0], resolveImportFlags(cmd))
	},
}

func resolveImportFlags(cmd *cobra.Command) importFlags {
	f := cmd.Flags()
	opts := importFlags{
		BatchSize:    cfg.Import.BatchSize,
		MemoryLimit:  cfg.Import.MemoryLimit,
		CleanupEvery: cfg.Import.CleanupEvery,
		ErrorLog:     cfg.Import.ErrorLog,
	}
	if f.Changed("batch-size") {
		opts.BatchSize, _ = f.GetInt("batch-size")
	}
	if f.Changed("memory-limit") {
		opts.MemoryLimit, _ = f.GetString("memory-limit")
	}
	if f.Changed("cleanup-every") {
		opts.CleanupEvery, _ = f.GetInt("cleanup-every")
	}
	if f.Changed("error-log") {
		opts.ErrorLog, _ = f.GetString("error-log")
	}
	opts.Limit, _ = f.GetInt("limit")
	opts.StartFrom, _ = f.GetInt("start-from")
	opts.SkipExisting, _ = f.GetBool("skip-existing")
	opts.Format, _ = f.GetString("format")
	opts.Report, _ = f.GetString("report")
	return opts
}

// parseMemoryLimit accepts human sizes such as "512MiB" or "2GB".
func parseMemoryLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, eris.Wrapf(err, "import: parse memory limit %q", s)
	}
	if n > math.MaxInt64 {
		return 0, eris.Errorf("import: memory limit %q out of range", s)
	}
	return int64(n), nil
}

// fetchRemote downloads rawURL into dir, keeping the URL's base name so the
// format can still be detected from the extension.
func fetchRemote(ctx context.Context, f fetcher.Fetcher, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "import: parse url %q", rawURL)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = "export"
	}
	dest := filepath.Join(dir, name)

	n, err := f.DownloadToFile(ctx, rawURL, dest)
	if err != nil {
		return "", eris.Wrapf(err, "import: download %s", rawURL)
	}
	zap.L().Info("export downloaded", zap.String("url", rawURL), zap.String("size", humanize.IBytes(uint64(n))))
	return dest, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func runImport(ctx context.Context, out io.Writer, source string, opts importFlags) error {
	log := zap.L().With(zap.String("command", "import"))

	memLimit, err := parseMemoryLimit(opts.MemoryLimit)
	if err != nil {
		return err
	}
	format, err := fetcher.ParseFormat(opts.Format)
	if err != nil {
		return eris.Wrap(err, "import")
	}

	local := source
	if isRemote(source) {
		dir, err := os.MkdirTemp("", "annuaire-sync-")
		if err != nil {
			return eris.Wrap(err, "import: create download dir")
		}
		defer os.RemoveAll(dir) //nolint:errcheck

		local, err = fetchRemote(ctx, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}), source, dir)
		if err != nil {
			return err
		}
	}

	src, err := fetcher.OpenSource(local, format)
	if err != nil {
		return eris.Wrap(err, "import: open source")
	}
	defer src.Close() //nolint:errcheck

	errLog, err := runlog.OpenImportLog(opts.ErrorLog)
	if err != nil {
		return eris.Wrap(err, "import: open error log")
	}
	defer errLog.Close() //nolint:errcheck

	st, err := openStore(ctx)
	if err != nil {
		return eris.Wrap(err, "import: open store")
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "import: migrate store")
	}

	bar := newByteProgress(src.Size, "importing")
	dec, err := newDecoder(trackReads(src, bar), src.Format, cfg.Import.ArrayField)
	if err != nil {
		return err
	}

	log.Info("import source opened",
		zap.String("path", src.Path),
		zap.String("member", src.Member),
		zap.String("format", string(src.Format)),
		zap.String("size", humanize.IBytes(uint64(max(src.Size, 0)))),
	)

	importer := ingest.New(st, errLog, ingest.Options{
		BatchSize:     opts.BatchSize,
		StartFrom:     opts.StartFrom,
		Limit:         opts.Limit,
		SkipExisting:  opts.SkipExisting,
		CleanupEvery:  opts.CleanupEvery,
		ProgressEvery: cfg.Import.ProgressEvery,
		MemoryLimit:   memLimit,
	})
	stats, runErr := importer.Run(ctx, dec)
	if bar != nil {
		_ = bar.Finish()
	}
	if runErr != nil {
		return eris.Wrap(runErr, "import")
	}

	formatImportSummary(out, stats, errLog.Path())
	return writeReport(opts.Report, importReport{
		Command:  "import",
		Source:   source,
		ErrorLog: errLog.Path(),
		Stats:    stats,
	})
}

// newDecoder picks the decoder for a source format. JSON sources are first
// advanced to the array named field.
func newDecoder(r io.Reader, format fetcher.Format, field string) (ingest.Decoder, error) {
	if format == fetcher.FormatCSV {
		dec, err := ingest.NewCSVDecoder(r)
		if err != nil {
			return nil, eris.Wrap(err, "import: read csv header")
		}
		return dec, nil
	}
	arr, offset, err := fetcher.LocateArray(r, field, fetcher.DefaultChunkSize)
	if err != nil {
		return nil, eris.Wrap(err, "import: locate record array")
	}
	zap.L().Debug("record array located", zap.String("field", field), zap.Int64("offset", offset))
	return ingest.NewJSONDecoder(arr, fetcher.DefaultChunkSize), nil
}

func init() {
	importCmd.Flags().Int("batch-size", 100, "records per transaction")
	importCmd.Flags().Int("limit", 0, "stop after this many records (0 = all)")
	importCmd.Flags().Int("start-from", 0, "skip positions up to and including this index")
	importCmd.Flags().Bool("skip-existing", false, "keep rows whose external id is already stored")
	importCmd.Flags().String("memory-limit", "", "soft heap ceiling, e.g. 512MiB")
	importCmd.Flags().Int("cleanup-every", 10, "release tracked state every N batches")
	importCmd.Flags().String("error-log", "import_errors.log", "path of the failed-record log")
	importCmd.Flags().String("format", "auto", "source format: auto, json, zip or csv")
	importCmd.Flags().String("report", "", "write the final summary as YAML to this file")
	rootCmd.AddCommand(importCmd)
}
