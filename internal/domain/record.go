package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"
)

// partitionIDLen is the length of a calendar-day prefix ("2006-01-02").
const partitionIDLen = len(time.DateOnly)

// Record is an event in its semi-structured form: whatever fields the stored
// line or the transform produced. Numbers are kept as json.Number so a record
// read from disk serializes back to the same bytes.
type Record map[string]any

// DecodeRecord parses a single JSON object. Anything other than exactly one
// object (arrays, scalars, null, trailing data) is an error.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r == nil {
		return nil, errors.New("decode record: not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode record: trailing data after object")
	}
	return r, nil
}

// Marshal serializes the record on a single line with mapping keys sorted,
// array order preserved and no escaping of non-ASCII or HTML characters.
// The output is the canonical form used both for persistence and for
// fingerprinting.
func (r Record) Marshal() ([]byte, error) {
	return marshalCompact(r)
}

// StartDate returns the record's startDate when it is a string.
func (r Record) StartDate() string {
	return stringField(r, "startDate")
}

// Geo returns location.geo, or nil when the record has none.
func (r Record) Geo() any {
	loc, _ := r["location"].(map[string]any)
	return loc["geo"]
}

// WithGeo returns a copy of r with location.geo set to geo. r is not modified.
func (r Record) WithGeo(geo any) Record {
	out := maps.Clone(r)
	loc := map[string]any{}
	if old, ok := r["location"].(map[string]any); ok {
		loc = maps.Clone(old)
	}
	loc["geo"] = geo
	out["location"] = loc
	return out
}

// PartitionID derives the calendar-day partition from the record's startDate.
// It reports false when startDate is absent, empty, or does not begin with a
// valid YYYY-MM-DD date.
func PartitionID(r Record) (string, bool) {
	start := strings.TrimSpace(r.StartDate())
	if len(start) < partitionIDLen {
		return "", false
	}
	day := start[:partitionIDLen]
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return "", false
	}
	return day, true
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// stringField returns r[key] when it is a string, "" otherwise.
func stringField(r map[string]any, key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

// nestedString returns r[outer][inner] when both levels exist and the leaf is a string.
func nestedString(r map[string]any, outer, inner string) string {
	m, ok := r[outer].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(m, inner)
}
