package stations

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type registryFile struct {
	Stations []types.StationInfo `yaml:"stations"`
}

// FileRegistry is a SourceFetcher backed by a YAML file of the form
//
//	stations:
//	  - source_id: esp32-1
//	    name: Rooftop
//	    location: roof
//	    device_type: esp32
type FileRegistry struct {
	mu       sync.RWMutex
	stations map[string]types.StationInfo
	logger   zerolog.Logger
}

// LoadFileRegistry reads and validates the registry at path.
func LoadFileRegistry(path string, logger zerolog.Logger) (*FileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read station registry %s: %w", path, err)
	}
	reg, err := ParseRegistry(data, logger)
	if err != nil {
		return nil, fmt.Errorf("station registry %s: %w", path, err)
	}
	return reg, nil
}

// ParseRegistry builds a FileRegistry from YAML. Duplicate or empty source ids are errors.
func ParseRegistry(data []byte, logger zerolog.Logger) (*FileRegistry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	stations := make(map[string]types.StationInfo, len(file.Stations))
	for i, s := range file.Stations {
		if s.SourceID == "" {
			return nil, fmt.Errorf("station %d has no source_id", i)
		}
		if _, dup := stations[s.SourceID]; dup {
			return nil, fmt.Errorf("duplicate source_id %q", s.SourceID)
		}
		stations[s.SourceID] = s
	}
	logger.Info().Int("stations", len(stations)).Msg("Loaded station registry")
	return &FileRegistry{
		stations: stations,
		logger:   logger.With().Str("component", "FileRegistry").Logger(),
	}, nil
}

func (r *FileRegistry) Fetch(ctx context.Context, sourceID string) (types.StationInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.StationInfo{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.stations[sourceID]
	if !ok {
		return types.StationInfo{}, fmt.Errorf("%w: %s", ErrMetadataNotFound, sourceID)
	}
	return info, nil
}

// Len is the number of registered stations.
func (r *FileRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stations)
}

func (r *FileRegistry) Close() error {
	return nil
}
