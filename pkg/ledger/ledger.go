package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a single append-only audit event. The gateway writes one per
// authentication attempt and per rejected payload; downstream forensics
// consumes the file as JSON lines.
type Entry struct {
	Timestamp string      `json:"ts"`
	Service   string      `json:"service"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// Ledger appends JSON lines to a single file. Safe for concurrent use.
type Ledger struct {
	path    string
	service string
	mu      sync.Mutex
}

// New returns a ledger writing to path on behalf of service.
func New(path, service string) *Ledger {
	if service == "" {
		service = "unknown"
	}
	return &Ledger{path: path, service: service}
}

// Append writes one event. Errors are returned but callers in the request
// path are expected to ignore them; audit must never fail a request.
func (l *Ledger) Append(eventType string, data interface{}) error {
	if l == nil || l.path == "" {
		return errors.New("ledger path is empty")
	}
	rec := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   l.service,
		Type:      eventType,
		Data:      data,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
