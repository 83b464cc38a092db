package simulator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// SensorConfig shapes one simulated reading: baseline plus accumulated trend plus a
// sine cycle plus uniform noise, clamped to [Min, Max].
type SensorConfig struct {
	Min            float64       `mapstructure:"min"`
	Max            float64       `mapstructure:"max"`
	Baseline       float64       `mapstructure:"baseline"`
	Noise          float64       `mapstructure:"noise"`
	TrendRate      float64       `mapstructure:"trend_rate"`
	CyclePeriod    time.Duration `mapstructure:"cycle_period"`
	CycleAmplitude float64       `mapstructure:"cycle_amplitude"`
	Decimals       int           `mapstructure:"decimals"`
}

type GPSConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Latitude      float64 `mapstructure:"latitude"`
	Longitude     float64 `mapstructure:"longitude"`
	Altitude      float64 `mapstructure:"altitude"`
	Noise         float64 `mapstructure:"noise"`
	SatellitesMin int     `mapstructure:"satellites_min"`
	SatellitesMax int     `mapstructure:"satellites_max"`
}

type WeatherConfig struct {
	Sensors map[string]SensorConfig `mapstructure:"sensors"`
	GPS     GPSConfig               `mapstructure:"gps"`
	// IncludeTimestamp adds an RFC3339 "timestamp" to every payload.
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
}

// DefaultWeatherConfig is a temperate station with day/night cycles and a slowly
// discharging battery.
func DefaultWeatherConfig() WeatherConfig {
	return WeatherConfig{
		Sensors: map[string]SensorConfig{
			"temperature":   {Min: 15, Max: 35, Baseline: 23, Noise: 0.5, TrendRate: 0.001, CyclePeriod: time.Hour, CycleAmplitude: 5, Decimals: 2},
			"humidity":      {Min: 30, Max: 90, Baseline: 65, Noise: 1, TrendRate: -0.0005, CyclePeriod: time.Hour, CycleAmplitude: 10, Decimals: 2},
			"co2":           {Min: 400, Max: 2000, Baseline: 450, Noise: 20, TrendRate: 0.005, CyclePeriod: 30 * time.Minute, CycleAmplitude: 100, Decimals: 1},
			"flammable_gas": {Min: 50, Max: 500, Baseline: 120, Noise: 10, Decimals: 1},
			"toxic_gas":     {Min: 50, Max: 300, Baseline: 85, Noise: 5, Decimals: 1},
			"uv_index":      {Min: 0, Max: 11, Baseline: 5, Noise: 0.3, CyclePeriod: 2 * time.Hour, CycleAmplitude: 3, Decimals: 2},
			"battery":       {Min: 3, Max: 4.2, Baseline: 3.7, Noise: 0.02, TrendRate: -0.00001, Decimals: 3},
		},
		GPS: GPSConfig{
			Enabled:       true,
			Latitude:      -19.869494,
			Longitude:     -43.964028,
			Altitude:      760,
			Noise:         0.00001,
			SatellitesMin: 6,
			SatellitesMax: 12,
		},
		IncludeTimestamp: true,
	}
}

// WeatherGenerator is a PayloadGenerator. Trends accumulate per device.
type WeatherGenerator struct {
	cfg     WeatherConfig
	sensors []string
	faker   *gofakeit.Faker
	start   time.Time
	now     func() time.Time

	mu     sync.Mutex
	trends map[string]map[string]float64
}

// NewWeatherGenerator seeds its noise source with seed; 0 picks a random seed.
func NewWeatherGenerator(cfg WeatherConfig, seed int64) *WeatherGenerator {
	sensors := make([]string, 0, len(cfg.Sensors))
	for name := range cfg.Sensors {
		sensors = append(sensors, name)
	}
	sort.Strings(sensors)
	return &WeatherGenerator{
		cfg:     cfg,
		sensors: sensors,
		faker:   gofakeit.New(seed),
		start:   time.Now(),
		now:     time.Now,
		trends:  make(map[string]map[string]float64),
	}
}

// Sample returns the next set of readings for deviceID.
func (g *WeatherGenerator) Sample(deviceID string) map[string]float64 {
	elapsed := g.now().Sub(g.start)

	g.mu.Lock()
	defer g.mu.Unlock()

	trend, ok := g.trends[deviceID]
	if !ok {
		trend = make(map[string]float64, len(g.sensors))
		g.trends[deviceID] = trend
	}

	out := make(map[string]float64, len(g.sensors)+5)
	for _, name := range g.sensors {
		sc := g.cfg.Sensors[name]
		trend[name] += sc.TrendRate
		v := sc.Baseline + trend[name]
		if sc.CyclePeriod > 0 {
			phase := math.Mod(elapsed.Seconds(), sc.CyclePeriod.Seconds()) / sc.CyclePeriod.Seconds()
			v += math.Sin(2*math.Pi*phase) * sc.CycleAmplitude
		}
		if sc.Noise > 0 {
			v += g.faker.Float64Range(-sc.Noise, sc.Noise)
		}
		v = math.Max(sc.Min, math.Min(sc.Max, v))
		out[name] = round(v, sc.Decimals)
	}

	if gps := g.cfg.GPS; gps.Enabled {
		out["latitude"] = gps.Latitude + g.noise(gps.Noise)
		out["longitude"] = gps.Longitude + g.noise(gps.Noise)
		out["altitude"] = round(gps.Altitude+g.faker.Float64Range(-2, 2), 1)
		out["satellites"] = float64(g.faker.IntRange(gps.SatellitesMin, gps.SatellitesMax))
		out["fix_quality"] = 1
	}
	return out
}

func (g *WeatherGenerator) noise(amplitude float64) float64 {
	if amplitude <= 0 {
		return 0
	}
	return g.faker.Float64Range(-amplitude, amplitude)
}

// GeneratePayload renders a sample as the JSON object the station firmware publishes.
func (g *WeatherGenerator) GeneratePayload(device *Device) ([]byte, error) {
	payload := make(map[string]any, len(g.sensors)+8)
	for k, v := range g.Sample(device.ID) {
		payload[k] = v
	}
	payload["source_id"] = device.ID
	if g.cfg.IncludeTimestamp {
		payload["timestamp"] = g.now().UTC().Format(time.RFC3339Nano)
	}
	if len(device.Tags) > 0 {
		payload["tags"] = device.Tags
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", device.ID, err)
	}
	return data, nil
}

func round(v float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(v)
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// NewDevices creates n devices named <prefix>-01.. sharing gen, each tagged with a
// generated location.
func NewDevices(n int, prefix string, rate float64, gen PayloadGenerator, seed int64) []*Device {
	faker := gofakeit.New(seed)
	devices := make([]*Device, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, &Device{
			ID:               fmt.Sprintf("%s-%02d", prefix, i+1),
			MessageRate:      rate,
			Tags:             map[string]string{"location": faker.City()},
			PayloadGenerator: gen,
		})
	}
	return devices
}
