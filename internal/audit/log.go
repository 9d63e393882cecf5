// Package audit persists one append-only JSONL record per execution attempt.
// The log is the compliance trail for every statement the gateway ran or
// refused to run, so writes are synced before Append returns.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/censusgate/censusgate/internal/domain"
)

// Verdict and outcome values recorded per attempt.
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"

	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Log is a file-backed AuditSink. One JSON object per line; the file is
// opened append-only and each record is fsynced so a crash loses at most the
// record being written.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open opens (or creates) the audit log at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("op=audit.Open path=%s: %w", path, err)
	}
	return &Log{f: f, path: path}, nil
}

// Append writes one record. A zero timestamp is stamped here so callers can
// build records without carrying a clock.
func (l *Log) Append(rec domain.AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=audit.Append: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("op=audit.Append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("op=audit.Append: sync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
