package types

import (
	"encoding/json"
	"time"
)

// DefaultMeasurement is the measurement every weather record is written under.
const DefaultMeasurement = "weather_data"

// SourceIDTag is the tag key carrying the originating device identifier.
const SourceIDTag = "source_id"

// MeasurementRecord is a validated reading from a single sensor device.
// A record is immutable once constructed: NewMeasurementRecord copies the maps it is
// given and the accessors return copies.
type MeasurementRecord struct {
	sourceID   string
	capturedAt *time.Time
	fields     map[string]float64
	tags       map[string]string
}

// NewMeasurementRecord builds a record. Validation is the caller's job (see the decoder
// package); this constructor only copies its inputs.
func NewMeasurementRecord(sourceID string, capturedAt *time.Time, fields map[string]float64, tags map[string]string) MeasurementRecord {
	rec := MeasurementRecord{
		sourceID: sourceID,
		fields:   make(map[string]float64, len(fields)),
		tags:     make(map[string]string, len(tags)),
	}
	if capturedAt != nil {
		ts := *capturedAt
		rec.capturedAt = &ts
	}
	for k, v := range fields {
		rec.fields[k] = v
	}
	for k, v := range tags {
		rec.tags[k] = v
	}
	return rec
}

// SourceID is the originating device identifier.
func (r MeasurementRecord) SourceID() string { return r.sourceID }

// CapturedAt returns the device supplied observation time, if any.
func (r MeasurementRecord) CapturedAt() (time.Time, bool) {
	if r.capturedAt == nil {
		return time.Time{}, false
	}
	return *r.capturedAt, true
}

// Fields returns a copy of the numeric fields.
func (r MeasurementRecord) Fields() map[string]float64 {
	out := make(map[string]float64, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Field returns a single field value.
func (r MeasurementRecord) Field(name string) (float64, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Tags returns a copy of the classification tags.
func (r MeasurementRecord) Tags() map[string]string {
	out := make(map[string]string, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// WithTags returns a new record with extra tags added. Existing tags are kept when
// a key is present in both.
func (r MeasurementRecord) WithTags(extra map[string]string) MeasurementRecord {
	merged := make(map[string]string, len(r.tags)+len(extra))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range r.tags {
		merged[k] = v
	}
	return NewMeasurementRecord(r.sourceID, r.capturedAt, r.fields, merged)
}

type recordJSON struct {
	SourceID   string             `json:"source_id"`
	CapturedAt *time.Time         `json:"captured_at,omitempty"`
	Fields     map[string]float64 `json:"fields"`
	Tags       map[string]string  `json:"tags,omitempty"`
}

func (r MeasurementRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		SourceID:   r.sourceID,
		CapturedAt: r.capturedAt,
		Fields:     r.fields,
		Tags:       r.tags,
	})
}

func (r *MeasurementRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = NewMeasurementRecord(raw.SourceID, raw.CapturedAt, raw.Fields, raw.Tags)
	return nil
}

// WriteRequest is a single time-series point ready for the store.
type WriteRequest struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Timestamp   time.Time
}

// Snapshot maps a source_id to its most recent record.
type Snapshot map[string]MeasurementRecord

// SourceIDs returns the snapshot keys in no particular order.
func (s Snapshot) SourceIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}
