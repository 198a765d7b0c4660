package cache

import (
	"context"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

const latestStatsKey = "stats:latest"

// SnapshotStore holds the statistics of the most recently completed tabular
// analysis. Writes always overwrite.
type SnapshotStore interface {
	SaveLatest(ctx context.Context, stats models.Stats) error
	Latest(ctx context.Context) (models.Stats, bool)
}

type cacheSnapshot struct {
	cache  Cache
	logger *utils.Logger
}

func NewSnapshotStore(c Cache, logger *utils.Logger) SnapshotStore {
	return &cacheSnapshot{cache: c, logger: logger}
}

func (s *cacheSnapshot) SaveLatest(ctx context.Context, stats models.Stats) error {
	return SetJSON(ctx, s.cache, s.logger, latestStatsKey, stats, 0)
}

func (s *cacheSnapshot) Latest(ctx context.Context) (models.Stats, bool) {
	var stats models.Stats
	if !GetJSON(ctx, s.cache, s.logger, latestStatsKey, &stats) {
		return nil, false
	}
	return stats, true
}
