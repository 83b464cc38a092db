// Package stations resolves a source_id to registered station metadata and uses it to
// tag measurement records.
package stations

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/illmade-knight/go-weather/pkg/types"
)

// ErrMetadataNotFound is returned when a station is not registered.
var ErrMetadataNotFound = errors.New("station metadata not found")

// Fetcher looks up a single station.
type Fetcher func(ctx context.Context, sourceID string) (types.StationInfo, error)

// SourceFetcher is the source of truth for station metadata.
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceID string) (types.StationInfo, error)
	io.Closer
}

// CachedFetcher is a cache in front of a SourceFetcher. FetchFromCache returns
// ErrCacheMiss when the station is not cached; any other error is a cache failure.
type CachedFetcher interface {
	FetchFromCache(ctx context.Context, sourceID string) (types.StationInfo, error)
	WriteToCache(ctx context.Context, info types.StationInfo) error
	io.Closer
}

// ErrCacheMiss reports that a station is not in the cache.
type ErrCacheMiss struct {
	SourceID string
}

func (e ErrCacheMiss) Error() string {
	return fmt.Sprintf("station metadata not cached for source %s", e.SourceID)
}

// IsCacheMiss checks if err is an ErrCacheMiss.
func IsCacheMiss(err error) bool {
	var miss ErrCacheMiss
	return errors.As(err, &miss)
}
