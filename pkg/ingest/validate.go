package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"magnetgate/pkg/sensor"
)

// Validator enforces presence and shape of payload fields against the
// matched sensor's schema. Checks run in a fixed order and short-circuit
// on the first failure.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Validate checks the body for the authenticated sensor type.
func (v *Validator) Validate(actx *Context, body map[string]interface{}) error {
	cfg := actx.Config

	// 1. Presence of required fields.
	required := []string{sensor.KeyDevice, sensor.KeyBattery, sensor.KeyTime}
	if cfg.ExpectedIndex != "" {
		required = append(required, sensor.KeyIndex)
	}
	for _, f := range cfg.Fields {
		if f.Required {
			required = append(required, f.Key)
		}
	}
	var missing []string
	for _, key := range required {
		if !present(body, key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errMissingFields(missing)
	}

	// 2. Command code, when the schema pins one.
	if cfg.ExpectedCommand != "" {
		actual := stringify(body[sensor.KeyCommand])
		if actual != cfg.ExpectedCommand {
			return errInvalidCommand(cfg.ExpectedCommand, actual)
		}
	}

	// 3. Data index code.
	if cfg.ExpectedIndex != "" {
		actual := stringify(body[sensor.KeyIndex])
		if actual != cfg.ExpectedIndex {
			return errInvalidIndex(cfg.ExpectedIndex, actual)
		}
	}

	// 4. Battery must be a finite decimal.
	raw := stringify(body[sensor.KeyBattery])
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return errInvalidValue(sensor.KeyBattery, raw)
	}

	return nil
}

// present reports whether the body carries a non-empty value for key.
func present(body map[string]interface{}, key string) bool {
	v, ok := body[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// stringify renders a body value the way the upstream firmware sends it:
// strings verbatim, anything else through default formatting.
func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	// JSON numbers decode as float64; trim the trailing decimals for whole
	// values so "06" vs 6 mismatches stay visible but 82 prints as "82".
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}
