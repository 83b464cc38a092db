package pointbuilder

import (
	"time"

	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// DefaultSkewTolerance is how far in the future of arrival a device clock may be before
// its timestamp is distrusted.
const DefaultSkewTolerance = 5 * time.Minute

// Builder turns validated records into write requests.
type Builder struct {
	Measurement   string
	SkewTolerance time.Duration
}

// New returns a Builder writing to measurement. An empty measurement selects
// types.DefaultMeasurement and a negative tolerance is treated as zero.
func New(measurement string, skewTolerance time.Duration) Builder {
	if measurement == "" {
		measurement = types.DefaultMeasurement
	}
	if skewTolerance < 0 {
		skewTolerance = 0
	}
	return Builder{Measurement: measurement, SkewTolerance: skewTolerance}
}

// Build resolves the effective timestamp and merges tags. It never fails.
func (b Builder) Build(rec types.MeasurementRecord, arrival time.Time) types.WriteRequest {
	measurement := b.Measurement
	if measurement == "" {
		measurement = types.DefaultMeasurement
	}

	ts := arrival
	if captured, ok := rec.CapturedAt(); ok && !captured.After(arrival.Add(b.SkewTolerance)) {
		ts = captured
	}

	tags := rec.Tags()
	tags[types.SourceIDTag] = rec.SourceID()

	return types.WriteRequest{
		Measurement: measurement,
		Tags:        tags,
		Fields:      rec.Fields(),
		Timestamp:   ts,
	}
}

// ToPoint converts a request into the influx client's point type.
func ToPoint(req types.WriteRequest) *write.Point {
	fields := make(map[string]interface{}, len(req.Fields))
	for k, v := range req.Fields {
		fields[k] = v
	}
	return write.NewPoint(req.Measurement, req.Tags, fields, req.Timestamp)
}
