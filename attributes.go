package graphkb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Data-type tags reported by the store for attribute values.
const (
	TypeString   = "java.lang.String"
	TypeDateTime = "java.time.LocalDateTime"
	TypeLong     = "java.lang.Long"
	TypeDouble   = "java.lang.Double"
	TypeBoolean  = "java.lang.Boolean"
)

// DateTimeLayout is the date-time shape the store accepts on writes.
const DateTimeLayout = "2006-01-02T15:04:05"

// DefaultMultiValued lists the labels that always materialize as a sequence.
var DefaultMultiValued = []string{"stix_label"}

// dateTimeInputs are the shapes date-time attributes come back in.
var dateTimeInputs = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Now returns the current UTC time formatted for the store.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime formats t in UTC using DateTimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(DateTimeLayout)
}

// AttributeRecord is one (label, value, type) fact emitted for a node.
type AttributeRecord struct {
	Label    string `json:"label"`
	Value    any    `json:"value"`
	DataType string `json:"data-type"`
}

// TypedValue pairs a materialized value with the store's data-type tag.
type TypedValue struct {
	Type  string `json:"type"`
	Value any    `json:"val"`
}

// AttributeMap is the canonical attribute mapping of one node. Labels keep the
// order in which they were first seen; the "id" entry is always present.
type AttributeMap struct {
	keys   []string
	values map[string]any
}

func newAttributeMap(size int) *AttributeMap {
	return &AttributeMap{
		keys:   make([]string, 0, size),
		values: make(map[string]any, size),
	}
}

func (m *AttributeMap) set(label string, v any) {
	if _, ok := m.values[label]; !ok {
		m.keys = append(m.keys, label)
	}
	m.values[label] = v
}

// ID returns the identifier injected at materialization.
func (m *AttributeMap) ID() string {
	id, _ := m.values["id"].(string)
	return id
}

// Get returns the value stored for label: a scalar, a TypedValue or a []any.
func (m *AttributeMap) Get(label string) (any, bool) {
	v, ok := m.values[label]
	return v, ok
}

// Keys returns the labels in first-seen order.
func (m *AttributeMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of labels, id included.
func (m *AttributeMap) Len() int {
	return len(m.keys)
}

// ToMap returns a plain map copy.
func (m *AttributeMap) ToMap() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the labels in first-seen order.
func (m *AttributeMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Materializer folds raw attribute records into an AttributeMap.
// It holds no I/O and is safe for concurrent use.
type Materializer struct {
	multiValued map[string]struct{}
}

// NewMaterializer returns a Materializer treating the given labels as always-list.
// A nil slice selects DefaultMultiValued.
func NewMaterializer(multiValued []string) *Materializer {
	if multiValued == nil {
		multiValued = DefaultMultiValued
	}
	set := make(map[string]struct{}, len(multiValued))
	for _, l := range multiValued {
		set[l] = struct{}{}
	}
	return &Materializer{multiValued: set}
}

// IsMultiValued reports whether label always materializes as a sequence.
func (mt *Materializer) IsMultiValued(label string) bool {
	_, ok := mt.multiValued[label]
	return ok
}

// Materialize groups records by label and injects id. Always-list labels keep
// a sequence even with a single value; other labels collapse single values.
// With preserveType each value is wrapped in a TypedValue.
func (mt *Materializer) Materialize(id string, records []AttributeRecord, preserveType bool) (*AttributeMap, error) {
	grouped := make(map[string][]any, len(records))
	order := make([]string, 0, len(records))

	for _, rec := range records {
		if rec.Label == "" {
			return nil, &MaterializationError{Reason: "record has no label"}
		}
		val, err := effectiveValue(rec)
		if err != nil {
			return nil, err
		}
		if preserveType {
			val = TypedValue{Type: rec.DataType, Value: val}
		}
		if _, seen := grouped[rec.Label]; !seen {
			order = append(order, rec.Label)
		}
		grouped[rec.Label] = append(grouped[rec.Label], val)
	}

	m := newAttributeMap(len(order) + 1)
	for _, label := range order {
		vals := grouped[label]
		if len(vals) == 1 && !mt.IsMultiValued(label) {
			m.set(label, vals[0])
			continue
		}
		m.set(label, vals)
	}
	m.set("id", id)
	return m, nil
}

// effectiveValue applies the date-time coercion: the store returns local
// date-times in a different shape than it accepts, so they are normalized to
// DateTimeLayout with a trailing Z.
func effectiveValue(rec AttributeRecord) (any, error) {
	if rec.DataType != TypeDateTime {
		return rec.Value, nil
	}
	raw, ok := rec.Value.(string)
	if !ok {
		return nil, &MaterializationError{Label: rec.Label, Reason: fmt.Sprintf("date-time value is %T, want string", rec.Value)}
	}
	t, err := parseDateTime(raw)
	if err != nil {
		return nil, &MaterializationError{Label: rec.Label, Reason: err.Error()}
	}
	return t.Format(DateTimeLayout) + "Z", nil
}

func parseDateTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateTimeInputs {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date-time %q", raw)
}
