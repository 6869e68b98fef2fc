package ingest

import (
	"math"
	"strconv"
	"strings"

	"magnetgate/pkg/sensor"
)

// ValueKind tags the result of coercing a raw field value.
type ValueKind int

const (
	ValueNumber ValueKind = iota
	ValueBool
	ValueString
)

// Value is the tagged variant produced by coercion.
type Value struct {
	Kind   ValueKind
	Number float64
	Bool   bool
	Str    string
}

// Any returns the coerced value as the dynamic type stored downstream.
func (v Value) Any() interface{} {
	switch v.Kind {
	case ValueNumber:
		return v.Number
	case ValueBool:
		return v.Bool
	default:
		return v.Str
	}
}

// Coerce applies the inference rule for fields without a schema entry.
// Upstream firmware encodes everything as strings; exactly "0"/"1" are
// single-bit flags and keep their boolean meaning, any other numeric text
// becomes a number, the rest stays a string.
func Coerce(raw string) Value {
	switch raw {
	case "0":
		return Value{Kind: ValueBool, Bool: false}
	case "1":
		return Value{Kind: ValueBool, Bool: true}
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Value{Kind: ValueNumber, Number: f}
	}
	return Value{Kind: ValueString, Str: raw}
}

// CoerceTyped converts a raw value according to its declared schema type.
// Non-string inputs are kept as-is; a value that does not fit its declared
// type falls back to the inference rule rather than failing, since field
// values are a presentation concern once validation has passed.
func CoerceTyped(raw interface{}, ft sensor.FieldType) interface{} {
	s, isString := raw.(string)
	if !isString {
		return raw
	}
	switch ft {
	case sensor.FieldInteger:
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
	case sensor.FieldDecimal:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	case sensor.FieldBoolean:
		switch strings.TrimSpace(s) {
		case "1", "true", "TRUE", "True":
			return true
		case "0", "false", "FALSE", "False":
			return false
		}
	case sensor.FieldString, sensor.FieldTimestamp:
		return s
	}
	return Coerce(s).Any()
}
