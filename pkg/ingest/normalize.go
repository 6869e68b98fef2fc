package ingest

import (
	"strconv"
	"strings"
	"time"

	"magnetgate/pkg/sensor"
)

// TimeLayout is the textual timestamp format the upstream firmware sends
// and the store persists.
const TimeLayout = "2006-01-02 15:04:05"

// Record is the normalized, storage-ready representation of one reading.
// Fields maps storage column names to typed values; Raw keeps the verbatim
// body for audit.
type Record struct {
	DeviceID          string
	Battery           float64
	ReceivedTimeUTC   string
	ReceivedTimeLocal string
	DataIndex         string
	Fields            map[string]interface{}
	Raw               map[string]interface{}
}

// Normalizer converts a validated body into a Record. Pure transformation;
// deterministic given the same body and local zone.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer builds a normalizer converting receivedTimeLocal into loc.
// A nil location keeps local time equal to UTC.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Normalize builds the storage record for an authenticated, validated body.
func (n *Normalizer) Normalize(actx *Context, body map[string]interface{}) *Record {
	cfg := actx.Config

	battery, _ := strconv.ParseFloat(strings.TrimSpace(stringify(body[sensor.KeyBattery])), 64)
	utc := stringify(body[sensor.KeyTime])

	rec := &Record{
		DeviceID:          strings.TrimSpace(stringify(body[sensor.KeyDevice])),
		Battery:           battery,
		ReceivedTimeUTC:   utc,
		ReceivedTimeLocal: n.toLocal(utc),
		DataIndex:         stringify(body[sensor.KeyIndex]),
		Fields:            make(map[string]interface{}, len(body)),
		Raw:               make(map[string]interface{}, len(body)),
	}
	for k, v := range body {
		rec.Raw[k] = v
	}

	// Schema-declared fields first, under their storage column names.
	seen := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		seen[f.Key] = true
		v, ok := body[f.Key]
		if !ok || v == nil {
			continue
		}
		col := f.Column
		if col == "" {
			col = f.Key
		}
		rec.Fields[col] = CoerceTyped(v, f.Type)
	}

	// Remaining non-reserved keys go through the inference rule; the schema
	// is not strict enough in every deployment to cover all of them.
	for k, v := range body {
		if sensor.Reserved(k) || seen[k] {
			continue
		}
		if s, isStr := v.(string); isStr {
			rec.Fields[k] = Coerce(s).Any()
		} else {
			rec.Fields[k] = v
		}
	}

	return rec
}

// toLocal converts the UTC timestamp string into the configured zone,
// keeping the same textual format. An unparseable input is carried forward
// unchanged; a device clock fault must not reject telemetry over a
// presentation-only value.
func (n *Normalizer) toLocal(utc string) string {
	t, err := time.ParseInLocation(TimeLayout, utc, time.UTC)
	if err != nil {
		return utc
	}
	return t.In(n.loc).Format(TimeLayout)
}
