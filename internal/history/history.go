// Package history persists one record per workflow run in a line-oriented,
// tab-separated ledger file. Appends, updates and lookups run under a
// cooperative cross-process file lock; a process that cannot obtain the lock
// within the backoff budget proceeds unlocked and relies on single-line
// append atomicity.
package history

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Run statuses recorded in the ledger.
const (
	StatusUnknown = "-"
	StatusOK      = "OK"
	StatusError   = "ERR"
)

// timeLayout is the fixed timestamp format of ledger lines.
const timeLayout = "2006-01-02 15:04:05"

var (
	// ErrNotFound is returned when no ledger record matches a lookup.
	ErrNotFound = errors.New("history: record not found")

	// ErrAmbiguousID is returned when a session id prefix matches records
	// from more than one session.
	ErrAmbiguousID = errors.New("history: ambiguous session id")
)

// Record is one ledger line: a single workflow run.
type Record struct {
	Timestamp time.Time
	Duration  time.Duration
	RunName   string
	Status    string
	Revision  string
	SessionID string
	Command   string
}

// sameRun reports whether two records describe the same run. Run name and
// session id together identify a record.
func (r Record) sameRun(other Record) bool {
	return r.RunName == other.RunName && r.SessionID == other.SessionID
}

// line renders the record in the on-disk format. Empty fields become "-";
// tabs inside the command are flattened so the line stays splittable.
func (r Record) line() string {
	duration := StatusUnknown
	if r.Duration > 0 {
		duration = r.Duration.String()
	}
	status := r.Status
	if status == "" {
		status = StatusUnknown
	}
	fields := []string{
		r.Timestamp.Format(timeLayout),
		duration,
		orDash(r.RunName),
		status,
		orDash(r.Revision),
		orDash(r.SessionID),
		strings.ReplaceAll(orDash(r.Command), "\t", " "),
	}
	return strings.Join(fields, "\t")
}

func orDash(s string) string {
	if s == "" {
		return StatusUnknown
	}
	return s
}

func unDash(s string) string {
	if s == StatusUnknown {
		return ""
	}
	return s
}

// parseRecord reads one ledger line. The current format has seven columns;
// the historical two-column form (sessionId, runName) still parses.
func parseRecord(line string) (Record, error) {
	fields := strings.SplitN(line, "\t", 7)
	switch len(fields) {
	case 2:
		return Record{
			SessionID: fields[0],
			RunName:   fields[1],
			Status:    StatusUnknown,
		}, nil
	case 7:
		ts, err := time.ParseInLocation(timeLayout, fields[0], time.Local)
		if err != nil {
			return Record{}, fmt.Errorf("bad timestamp %q: %w", fields[0], err)
		}
		var duration time.Duration
		if fields[1] != StatusUnknown {
			duration, err = time.ParseDuration(fields[1])
			if err != nil {
				return Record{}, fmt.Errorf("bad duration %q: %w", fields[1], err)
			}
		}
		return Record{
			Timestamp: ts,
			Duration:  duration,
			RunName:   unDash(fields[2]),
			Status:    fields[3],
			Revision:  unDash(fields[4]),
			SessionID: unDash(fields[5]),
			Command:   unDash(fields[6]),
		}, nil
	default:
		return Record{}, fmt.Errorf("expected 2 or 7 columns, got %d", len(fields))
	}
}

// Ledger reads and writes the history file. In-process writers serialize
// through the mutex before competing for the cross-process file lock.
type Ledger struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// New returns a ledger over the file at path. The file does not have to
// exist yet.
func New(path string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{path: path, logger: logger}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// withLock runs fn holding the in-process mutex and, when obtainable, the
// cross-process file lock. An unobtainable lock degrades to unlocked
// operation with a warning instead of failing the transaction.
func (l *Ledger) withLock(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := acquireLock(l.path + lockSuffix)
	if err != nil {
		l.logger.Warn("ledger lock unavailable, proceeding unlocked",
			"path", l.path, "error", err)
	} else {
		defer release()
	}
	return fn()
}

// Write appends a record. A zero timestamp becomes the current time and an
// empty status becomes "-", matching a record written at run start.
func (l *Ledger) Write(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusUnknown
	}
	return l.withLock(func() error {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening history file: %w", err)
		}
		_, werr := f.WriteString(r.line() + "\n")
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return fmt.Errorf("appending history record: %w", werr)
		}
		return nil
	})
}

// Update rewrites the ledger with the named run's status and duration
// replaced. Malformed lines are logged and dropped from the rewritten file.
func (l *Ledger) Update(runName, status string, duration time.Duration) error {
	return l.withLock(func() error {
		records, err := l.parseFile()
		if err != nil {
			return err
		}
		found := false
		for i := range records {
			if records[i].RunName == runName {
				records[i].Status = status
				records[i].Duration = duration
				found = true
			}
		}
		if !found {
			return fmt.Errorf("history: run %q: %w", runName, ErrNotFound)
		}
		return l.rewrite(records)
	})
}

// Delete rewrites the ledger without the given record. Matching is by run
// name and session id.
func (l *Ledger) Delete(r Record) error {
	return l.withLock(func() error {
		records, err := l.parseFile()
		if err != nil {
			return err
		}
		kept := records[:0]
		for _, rec := range records {
			if !rec.sameRun(r) {
				kept = append(kept, rec)
			}
		}
		return l.rewrite(kept)
	})
}

// Last returns the most recently written record.
func (l *Ledger) Last() (Record, error) {
	var last Record
	err := l.withLock(func() error {
		records, err := l.parseFile()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return ErrNotFound
		}
		last = records[len(records)-1]
		return nil
	})
	return last, err
}

// FindByName returns every record of the named run, oldest first.
func (l *Ledger) FindByName(runName string) ([]Record, error) {
	var out []Record
	err := l.withLock(func() error {
		records, err := l.parseFile()
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.RunName == runName {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// ExistsByName reports whether any record carries the run name.
func (l *Ledger) ExistsByName(runName string) (bool, error) {
	records, err := l.FindByName(runName)
	return len(records) > 0, err
}

// FindByID returns the records whose session id starts with the given
// prefix. A prefix matching more than one distinct session is an ambiguous
// reference and yields ErrAmbiguousID.
func (l *Ledger) FindByID(prefix string) ([]Record, error) {
	prefix = strings.ToLower(prefix)
	var out []Record
	err := l.withLock(func() error {
		records, err := l.parseFile()
		if err != nil {
			return err
		}
		sessions := make(map[string]bool)
		for _, r := range records {
			if strings.HasPrefix(strings.ToLower(r.SessionID), prefix) {
				out = append(out, r)
				sessions[strings.ToLower(r.SessionID)] = true
			}
		}
		if len(sessions) > 1 {
			out = nil
			return fmt.Errorf("history: prefix %q matches %d sessions: %w",
				prefix, len(sessions), ErrAmbiguousID)
		}
		if len(out) == 0 {
			return fmt.Errorf("history: session %q: %w", prefix, ErrNotFound)
		}
		return nil
	})
	return out, err
}

// All returns every parseable record, oldest first.
func (l *Ledger) All() ([]Record, error) {
	var out []Record
	err := l.withLock(func() error {
		records, err := l.parseFile()
		if err != nil {
			return err
		}
		out = records
		return nil
	})
	return out, err
}

// parseFile reads every line of the ledger, skipping lines that do not
// parse. Callers hold the lock.
func (l *Ledger) parseFile() ([]Record, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}

	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r, err := parseRecord(line)
		if err != nil {
			l.logger.Warn("dropping malformed history line", "path", l.path, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// rewrite replaces the ledger contents with the given records. Callers hold
// the lock.
func (l *Ledger) rewrite(records []Record) error {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.line())
		b.WriteByte('\n')
	}
	if err := os.WriteFile(l.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rewriting history file: %w", err)
	}
	return nil
}
