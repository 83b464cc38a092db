package influxstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/rs/zerolog"
)

// Querier reads stored measurements back with Flux.
type Querier struct {
	api         api.QueryAPI
	bucket      string
	measurement string
	logger      zerolog.Logger
}

// NewQuerier reads measurement from bucket. An empty measurement selects
// types.DefaultMeasurement.
func NewQuerier(queryAPI api.QueryAPI, bucket, measurement string, logger zerolog.Logger) *Querier {
	if measurement == "" {
		measurement = types.DefaultMeasurement
	}
	return &Querier{
		api:         queryAPI,
		bucket:      bucket,
		measurement: measurement,
		logger:      logger.With().Str("component", "InfluxQuerier").Logger(),
	}
}

// Latest returns, per source_id, the most recent value of every field written within
// window. Sources with nothing in the window are absent. Results are sorted by source id.
func (q *Querier) Latest(ctx context.Context, window time.Duration) ([]types.MeasurementRecord, error) {
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %s)
  |> last()`, fluxString(q.bucket), fluxDuration(window), fluxString(q.measurement))

	type latest struct {
		at        time.Time
		fieldTime map[string]time.Time
		fields    map[string]float64
		tags      map[string]string
	}
	bySource := make(map[string]*latest)

	err := q.each(ctx, flux, func(rec *query.FluxRecord) {
		values := rec.Values()
		src, _ := values[types.SourceIDTag].(string)
		v, ok := toFloat(rec.Value())
		if src == "" || !ok {
			return
		}
		acc, found := bySource[src]
		if !found {
			acc = &latest{fieldTime: map[string]time.Time{}, fields: map[string]float64{}}
			bySource[src] = acc
		}
		ts := rec.Time()
		if prev, seen := acc.fieldTime[rec.Field()]; seen && !ts.After(prev) {
			return
		}
		acc.fieldTime[rec.Field()] = ts
		acc.fields[rec.Field()] = v
		if acc.tags == nil || !ts.Before(acc.at) {
			acc.tags = tagsFromRow(values)
		}
		if ts.After(acc.at) {
			acc.at = ts
		}
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(bySource))
	for id := range bySource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]types.MeasurementRecord, 0, len(ids))
	for _, id := range ids {
		acc := bySource[id]
		at := acc.at
		out = append(out, types.NewMeasurementRecord(id, &at, acc.fields, acc.tags))
	}
	return out, nil
}

// Recent returns up to limit points for one source, newest first.
func (q *Querier) Recent(ctx context.Context, sourceID string, window time.Duration, limit int) ([]types.MeasurementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %s and r.source_id == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`, fluxString(q.bucket), fluxDuration(window), fluxString(q.measurement), fluxString(sourceID), limit)

	var out []types.MeasurementRecord
	err := q.each(ctx, flux, func(rec *query.FluxRecord) {
		values := rec.Values()
		fields := make(map[string]float64)
		for k, raw := range values {
			if isMetaColumn(k) {
				continue
			}
			if v, ok := toFloat(raw); ok {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			return
		}
		at := rec.Time()
		out = append(out, types.NewMeasurementRecord(sourceID, &at, fields, tagsFromRow(values)))
	})
	return out, err
}

// Count returns the number of field values stored within window. It doubles as a
// readiness probe for the bucket at startup.
func (q *Querier) Count(ctx context.Context, window time.Duration) (int64, error) {
	flux := fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %s)
  |> group()
  |> count()`, fluxString(q.bucket), fluxDuration(window), fluxString(q.measurement))

	var total int64
	err := q.each(ctx, flux, func(rec *query.FluxRecord) {
		if v, ok := toFloat(rec.Value()); ok {
			total += int64(v)
		}
	})
	return total, err
}

func (q *Querier) each(ctx context.Context, flux string, fn func(*query.FluxRecord)) error {
	result, err := q.api.Query(ctx, flux)
	if err != nil {
		return fmt.Errorf("flux query failed: %w", err)
	}
	defer result.Close()
	for result.Next() {
		fn(result.Record())
	}
	if err := result.Err(); err != nil {
		return fmt.Errorf("flux result parsing failed: %w", err)
	}
	return nil
}

var fluxEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`$`, `\$`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// fluxString quotes s as a Flux string literal. "$" is escaped so "${...}" in s is
// never interpolated.
func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

// fluxDuration renders d as whole seconds, the smallest unit this package queries at.
func fluxDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}

func isMetaColumn(name string) bool {
	return strings.HasPrefix(name, "_") || name == "result" || name == "table"
}

// tagsFromRow collects string columns other than the Flux system columns and source_id.
func tagsFromRow(values map[string]interface{}) map[string]string {
	tags := make(map[string]string)
	for k, raw := range values {
		if isMetaColumn(k) || k == types.SourceIDTag {
			continue
		}
		if s, ok := raw.(string); ok && s != "" {
			tags[k] = s
		}
	}
	return tags
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
