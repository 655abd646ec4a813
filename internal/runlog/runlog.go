// Package runlog writes the append-only, line-flushed files that operators
// tail while an import or reconciliation is running.
package runlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
)

func openAppend(path string) (*os.File, bool, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, eris.Wrapf(err, "runlog: create dir %s", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, eris.Wrapf(err, "runlog: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, false, eris.Wrapf(err, "runlog: stat %s", path)
	}
	return f, info.Size() == 0, nil
}

// ImportLog records failed import records as `index;external_id;error_message;name`.
type ImportLog struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	w     *csv.Writer
	count int
}

// ImportLogHeader is written once at the top of a new file.
var ImportLogHeader = []string{"index", "external_id", "error_message", "name"}

// OpenImportLog opens (or creates) the import error log for appending.
func OpenImportLog(path string) (*ImportLog, error) {
	f, fresh, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	w.Comma = ';'
	l := &ImportLog{path: path, f: f, w: w}
	if fresh {
		if err := l.write(ImportLogHeader); err != nil {
			f.Close() //nolint:errcheck
			return nil, err
		}
	}
	return l, nil
}

// Record appends one failed record and flushes it to disk.
func (l *ImportLog) Record(index int, externalID, message, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write([]string{strconv.Itoa(index), externalID, oneLine(message), name}); err != nil {
		return err
	}
	l.count++
	return nil
}

func (l *ImportLog) write(fields []string) error {
	if err := l.w.Write(fields); err != nil {
		return eris.Wrap(err, "runlog: write import entry")
	}
	l.w.Flush()
	return eris.Wrap(l.w.Error(), "runlog: flush import entry")
}

// Count returns how many records were logged by this process.
func (l *ImportLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the file path.
func (l *ImportLog) Path() string { return l.path }

// Close flushes and closes the file.
func (l *ImportLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return eris.Wrap(l.f.Close(), "runlog: close import log")
}

// ReconcileLogTimeFormat is the timestamp layout of reconciliation lines.
const ReconcileLogTimeFormat = "2006-01-02 15:04:05"

// ReconcileLog records `[timestamp] OUTCOME – name – address – detail` lines.
type ReconcileLog struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	clock clockwork.Clock
	count map[string]int
}

// OpenReconcileLog opens (or creates) the reconciliation log for appending.
// A nil clock uses the wall clock.
func OpenReconcileLog(path string, clock clockwork.Clock) (*ReconcileLog, error) {
	f, _, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReconcileLog{path: path, f: f, clock: clock, count: make(map[string]int)}, nil
}

// Entry appends one line. The outcome is upper-cased.
func (l *ReconcileLog) Entry(outcome, name, address, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	outcome = strings.ToUpper(outcome)
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(l.clock.Now().Format(ReconcileLogTimeFormat))
	b.WriteString("] ")
	b.WriteString(outcome)
	for _, part := range []string{name, address, detail} {
		b.WriteString(" – ")
		b.WriteString(oneLine(part))
	}
	b.WriteString("\n")

	if _, err := l.f.WriteString(b.String()); err != nil {
		return eris.Wrap(err, "runlog: write reconcile entry")
	}
	l.count[outcome]++
	return nil
}

// Counts returns the number of lines written per outcome.
func (l *ReconcileLog) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.count))
	for k, v := range l.count {
		out[k] = v
	}
	return out
}

// Path returns the file path.
func (l *ReconcileLog) Path() string { return l.path }

// Close closes the file.
func (l *ReconcileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return eris.Wrap(l.f.Close(), "runlog: close reconcile log")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
