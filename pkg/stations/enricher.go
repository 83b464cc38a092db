package stations

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/rs/zerolog"
)

// Enricher tags records with the metadata of the station that produced them.
// Tags already present on a record take precedence over registry values.
type Enricher struct {
	fetch  Fetcher
	logger zerolog.Logger
}

func NewEnricher(fetch Fetcher, logger zerolog.Logger) *Enricher {
	return &Enricher{
		fetch:  fetch,
		logger: logger.With().Str("component", "StationEnricher").Logger(),
	}
}

func (e *Enricher) Enrich(ctx context.Context, rec types.MeasurementRecord) (types.MeasurementRecord, error) {
	info, err := e.fetch(ctx, rec.SourceID())
	if err != nil {
		return rec, fmt.Errorf("failed to enrich record for %s: %w", rec.SourceID(), err)
	}
	e.logger.Debug().Str("source_id", rec.SourceID()).Str("station", info.Name).Msg("Record enriched with station metadata")
	return rec.WithTags(info.Tags()), nil
}
