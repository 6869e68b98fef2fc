// Package sensor holds the per-type configuration the ingest pipeline is
// parameterized by: credential pairs, protocol constants, field schemas and
// storage targets. A registry is built once at startup and never mutated.
package sensor

import (
	"encoding/json"
	"fmt"
	"os"
)

// Body keys common to every sensor payload.
const (
	KeyCommand = "cmd"
	KeyDevice  = "device"
	KeyBattery = "battery"
	KeyTime    = "time"
	KeyIndex   = "dIndex"
)

// Reserved reports whether a body key belongs to the common envelope and
// must not be duplicated into sensor-specific fields.
func Reserved(key string) bool {
	switch key {
	case KeyCommand, KeyDevice, KeyBattery, KeyTime, KeyIndex:
		return true
	}
	return false
}

// FieldType is the semantic type of a schema field.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInteger   FieldType = "integer"
	FieldDecimal   FieldType = "decimal"
	FieldBoolean   FieldType = "boolean"
	FieldTimestamp FieldType = "timestamp"
)

// FieldSpec maps one sensor-specific body key to its storage column and type.
type FieldSpec struct {
	Key      string    `json:"key"`
	Column   string    `json:"column"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
}

// Config describes one registered sensor type.
type Config struct {
	Type            string      `json:"type"`
	CredentialM     string      `json:"credentialM"`
	CredentialK     string      `json:"credentialK"`
	HeaderM         string      `json:"headerM,omitempty"` // header name carrying credentialM, default "m"
	HeaderK         string      `json:"headerK,omitempty"` // header name carrying credentialK, default "k"
	StoreName       string      `json:"storeName"`
	ExpectedCommand string      `json:"expectedCommand,omitempty"`
	ExpectedIndex   string      `json:"expectedIndex,omitempty"`
	Fields          []FieldSpec `json:"fields,omitempty"`
}

// Registry is the immutable set of sensor types known to the gateway.
// Register is only called during startup; lookups are read-only afterwards.
type Registry struct {
	ordered []*Config
	byType  map[string]*Config
}

func NewRegistry() *Registry {
	return &Registry{byType: map[string]*Config{}}
}

// Register adds a sensor type. It fails when required configuration is
// absent, when the type name is already taken, or when the credential pair
// collides with an earlier registration (ambiguous auth is never allowed to
// reach runtime).
func (r *Registry) Register(cfg Config) error {
	if cfg.Type == "" {
		return fmt.Errorf("sensor type name is empty")
	}
	if cfg.CredentialM == "" || cfg.CredentialK == "" {
		return fmt.Errorf("sensor %q: missing credential pair", cfg.Type)
	}
	if cfg.StoreName == "" {
		return fmt.Errorf("sensor %q: missing store name", cfg.Type)
	}
	if _, dup := r.byType[cfg.Type]; dup {
		return fmt.Errorf("sensor %q: already registered", cfg.Type)
	}
	if cfg.HeaderM == "" {
		cfg.HeaderM = "m"
	}
	if cfg.HeaderK == "" {
		cfg.HeaderK = "k"
	}
	for _, prev := range r.ordered {
		if prev.CredentialM == cfg.CredentialM && prev.CredentialK == cfg.CredentialK {
			return fmt.Errorf("sensor %q: credential pair collides with %q", cfg.Type, prev.Type)
		}
	}
	c := cfg
	r.ordered = append(r.ordered, &c)
	r.byType[c.Type] = &c
	return nil
}

// All returns the registered configs in registration order.
func (r *Registry) All() []*Config { return r.ordered }

// LookupByCredentials returns the sensor type owning the exact credential
// pair. Pairs are unique across registrations, so at most one type matches.
func (r *Registry) LookupByCredentials(m, k string) (*Config, bool) {
	for _, c := range r.ordered {
		if c.CredentialM == m && c.CredentialK == k {
			return c, true
		}
	}
	return nil, false
}

// LookupByType returns the config for a sensor type name.
func (r *Registry) LookupByType(sensorType string) (*Config, bool) {
	c, ok := r.byType[sensorType]
	return c, ok
}

// LoadFile merges sensor configs from a JSON file into the registry.
// Types that fail registration are skipped with the returned warnings;
// a bad file is an error, a bad entry is not.
func (r *Registry) LoadFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensor config: %w", err)
	}
	var cfgs []Config
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return nil, fmt.Errorf("parse sensor config: %w", err)
	}
	var warnings []string
	for _, c := range cfgs {
		if err := r.Register(c); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	return warnings, nil
}
