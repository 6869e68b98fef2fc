package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"magnetgate/pkg/ingest"
)

// Memory is an in-process backend for tests and DISABLE_DB deployments.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	tables map[string][]Reading
}

func NewMemory() *Memory {
	return &Memory{tables: map[string][]Reading{}}
}

func (m *Memory) Insert(_ context.Context, storeName string, rec *ingest.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	fields := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	raw := make(map[string]interface{}, len(rec.Raw))
	for k, v := range rec.Raw {
		raw[k] = v
	}
	m.tables[storeName] = append(m.tables[storeName], Reading{
		ID:                m.nextID,
		DeviceID:          rec.DeviceID,
		Battery:           rec.Battery,
		ReceivedTimeUTC:   rec.ReceivedTimeUTC,
		ReceivedTimeLocal: rec.ReceivedTimeLocal,
		DataIndex:         rec.DataIndex,
		Fields:            fields,
		Raw:               raw,
		CreatedAt:         time.Now().UTC(),
	})
	return nil
}

func (m *Memory) List(_ context.Context, storeName, device string, limit, offset int) ([]Reading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.tables[storeName]
	var filtered []Reading
	for i := len(rows) - 1; i >= 0; i-- { // newest first
		if device == "" || rows[i].DeviceID == device {
			filtered = append(filtered, rows[i])
		}
	}
	if offset >= len(filtered) {
		return nil, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return append([]Reading(nil), filtered[offset:end]...), nil
}

func (m *Memory) Latest(ctx context.Context, storeName, device string) (*Reading, error) {
	rows, err := m.List(ctx, storeName, device, 1, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (m *Memory) Devices(_ context.Context, storeName string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := map[string]bool{}
	for _, r := range m.tables[storeName] {
		set[r.DeviceID] = true
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DeleteByID(_ context.Context, storeName string, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[storeName]
	for i, r := range rows {
		if r.ID == id {
			m.tables[storeName] = append(rows[:i], rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Purge(_ context.Context, storeName, device, before string) (int64, error) {
	if device == "" && before == "" {
		return 0, fmt.Errorf("purge %s: device or before filter required", storeName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[storeName]
	var kept []Reading
	var removed int64
	for _, r := range rows {
		match := true
		if device != "" && r.DeviceID != device {
			match = false
		}
		// Lexicographic compare works for the fixed timestamp format.
		if before != "" && !(r.ReceivedTimeUTC < before) {
			match = false
		}
		if match {
			removed++
		} else {
			kept = append(kept, r)
		}
	}
	m.tables[storeName] = kept
	return removed, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }
