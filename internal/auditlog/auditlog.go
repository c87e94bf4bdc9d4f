// Package auditlog appends one JSON line per pipeline invocation to
// logs/audit.jsonl. Writes are best-effort: a logging failure must never
// propagate to the caller, matching §4.9 and the teacher's general
// "record the outcome, never fail the caller over it" posture
// (services/runner/internal/audit/receipts.go).
package auditlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"reach/services/privexecd/internal/api"
)

// Writer appends AuditLogEntry lines to a single file, serialized by its
// own mutex. The broker appends after releasing the core lock, so appends
// from concurrent invocations can overlap; the mutex keeps their lines
// from interleaving.
type Writer struct {
	mu   sync.Mutex
	path string
}

func NewWriter(path string) *Writer { return &Writer{path: path} }

// Append writes entry as one JSON line. Any error is swallowed.
func (w *Writer) Append(entry api.AuditLogEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(line)
}
