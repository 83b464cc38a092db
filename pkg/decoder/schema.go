package decoder

// Range is an inclusive plausibility interval for a field.
type Range struct {
	Min float64
	Max float64
}

func (r Range) contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Schema lists the numeric fields the decoder accepts and their optional limits.
type Schema struct {
	Fields []string
	Limits map[string]Range
}

// DefaultSchema covers the weather station sensor board: the environmental sensors,
// the gas sensors, battery voltage, and the GPS module.
func DefaultSchema() Schema {
	return Schema{
		Fields: []string{
			"temperature",
			"humidity",
			"pressure",
			"co2",
			"flammable_gas",
			"toxic_gas",
			"uv_index",
			"battery",
			"latitude",
			"longitude",
			"altitude",
			"satellites",
			"fix_quality",
		},
		Limits: map[string]Range{
			"temperature": {Min: -50, Max: 100},
			"humidity":    {Min: 0, Max: 100},
		},
	}
}

// Keys inspected for a device identifier, in priority order.
var sourceIDKeys = []string{"source_id", "device_id", "station_id"}

// Keys inspected for a device timestamp, in priority order.
var timestampKeys = []string{"timestamp", "captured_at"}

const tagsKey = "tags"
