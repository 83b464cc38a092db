// Package decoder turns raw sensor payloads into validated measurement records.
//
// Payloads are JSON objects. Recognized numeric fields are taken from a Schema, unknown keys
// are ignored, and a record is only produced when every recognized field holds a finite,
// plausible number.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-weather/pkg/types"
)

// Decoder validates payloads against a fixed schema. It holds no mutable state and is
// safe for concurrent use.
type Decoder struct {
	fields []string
	limits map[string]Range
}

// New creates a Decoder for the given schema.
func New(schema Schema) *Decoder {
	d := &Decoder{
		fields: make([]string, 0, len(schema.Fields)),
		limits: make(map[string]Range, len(schema.Limits)),
	}
	seen := make(map[string]struct{}, len(schema.Fields))
	for _, f := range schema.Fields {
		if _, dup := seen[f]; dup || f == "" {
			continue
		}
		seen[f] = struct{}{}
		d.fields = append(d.fields, f)
	}
	for k, r := range schema.Limits {
		d.limits[k] = r
	}
	return d
}

var defaultDecoder = New(DefaultSchema())

// Decode validates payload with the default weather station schema.
func Decode(payload []byte, topic string) (types.MeasurementRecord, error) {
	return defaultDecoder.Decode(payload, topic)
}

// Decode parses payload, received on topic, into a MeasurementRecord. Every failure is a
// *DecodeError.
func (d *Decoder) Decode(payload []byte, topic string) (types.MeasurementRecord, error) {
	obj, err := parseObject(payload)
	if err != nil {
		return types.MeasurementRecord{}, err
	}

	fields := make(map[string]float64, len(d.fields))
	for _, name := range d.fields {
		raw, ok := obj[name]
		if !ok || raw == nil {
			continue
		}
		v, err := numericValue(raw)
		if err != nil {
			return types.MeasurementRecord{}, invalid(name, err)
		}
		if r, limited := d.limits[name]; limited && !r.contains(v) {
			return types.MeasurementRecord{}, invalid(name, fmt.Errorf("%g outside [%g, %g]", v, r.Min, r.Max))
		}
		fields[name] = v
	}
	if len(fields) == 0 {
		return types.MeasurementRecord{}, &DecodeError{Kind: KindEmpty}
	}

	sourceID, err := resolveSourceID(obj, topic)
	if err != nil {
		return types.MeasurementRecord{}, err
	}
	capturedAt, err := resolveTimestamp(obj)
	if err != nil {
		return types.MeasurementRecord{}, err
	}
	tags, err := resolveTags(obj)
	if err != nil {
		return types.MeasurementRecord{}, err
	}

	return types.NewMeasurementRecord(sourceID, capturedAt, fields, tags), nil
}

func parseObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(normalizeNonFinite(payload)))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty payload")
		}
		return nil, malformed("", err)
	}
	if obj == nil {
		return nil, malformed("", errors.New("payload is not a JSON object"))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("", errors.New("trailing data after JSON object"))
	}
	return obj, nil
}

// numericValue accepts JSON numbers and numeric strings. The result is always finite.
func numericValue(raw any) (float64, error) {
	var (
		v   float64
		err error
	)
	switch t := raw.(type) {
	case json.Number:
		v, err = strconv.ParseFloat(t.String(), 64)
	case string:
		v, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("not a number: %w", err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("value is not finite")
	}
	return v, nil
}

func resolveSourceID(obj map[string]any, topic string) (string, error) {
	for _, key := range sourceIDKeys {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		var id string
		switch t := raw.(type) {
		case string:
			id = strings.TrimSpace(t)
		case json.Number:
			id = t.String()
		default:
			return "", malformed(key, fmt.Errorf("expected a string, got %T", raw))
		}
		if id != "" {
			return id, nil
		}
	}

	segments := strings.Split(topic, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(segments[i]); s != "" {
			return s, nil
		}
	}
	return "", malformed("source_id", errors.New("no source id in payload or topic"))
}

// Epoch values above this are taken to be milliseconds.
const millisThreshold = 1e11

// maxEpochSeconds is 9999-12-31T23:59:59Z.
const maxEpochSeconds = 253402300799

func resolveTimestamp(obj map[string]any) (*time.Time, error) {
	for _, key := range timestampKeys {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		switch t := raw.(type) {
		case string:
			ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
			if err != nil {
				return nil, malformed(key, err)
			}
			ts = ts.UTC()
			return &ts, nil
		case json.Number:
			f, err := strconv.ParseFloat(t.String(), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
				return nil, malformed(key, fmt.Errorf("invalid epoch value %q", t.String()))
			}
			if f > millisThreshold {
				f /= 1000
			}
			if f > maxEpochSeconds {
				return nil, malformed(key, fmt.Errorf("epoch value %q is beyond year 9999", t.String()))
			}
			sec, frac := math.Modf(f)
			ts := time.Unix(int64(sec), int64(frac*1e9)).UTC()
			return &ts, nil
		default:
			return nil, malformed(key, fmt.Errorf("expected RFC3339 string or epoch seconds, got %T", raw))
		}
	}
	return nil, nil
}

func resolveTags(obj map[string]any) (map[string]string, error) {
	raw, ok := obj[tagsKey]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed(tagsKey, fmt.Errorf("expected an object, got %T", raw))
	}
	tags := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, malformed(tagsKey, fmt.Errorf("tag %q: expected a string, got %T", k, v))
		}
		if strings.TrimSpace(k) == "" {
			return nil, malformed(tagsKey, errors.New("empty tag key"))
		}
		if s == "" {
			continue
		}
		tags[k] = s
	}
	return tags, nil
}

// normalizeNonFinite quotes bare NaN and Infinity tokens, which some device firmwares emit
// but encoding/json rejects, so they are reported as invalid values instead of as
// malformed payloads.
func normalizeNonFinite(payload []byte) []byte {
	if !bytes.Contains(payload, []byte("NaN")) && !bytes.Contains(payload, []byte("Infinity")) {
		return payload
	}
	out := make([]byte, 0, len(payload)+8)
	inString, escaped := false, false
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if tok := nonFiniteToken(payload[i:]); tok != "" {
			out = append(out, '"')
			out = append(out, tok...)
			out = append(out, '"')
			i += len(tok) - 1
			continue
		}
		out = append(out, c)
	}
	return out
}

func nonFiniteToken(b []byte) string {
	for _, tok := range []string{"NaN", "Infinity", "-Infinity"} {
		if bytes.HasPrefix(b, []byte(tok)) {
			return tok
		}
	}
	return ""
}
