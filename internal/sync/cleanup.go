package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/database"
)

// CleanupOldData prunes sync bookkeeping older than retentionDays. Runs
// daily; the mirror tables themselves are never touched.
func CleanupOldData(ctx context.Context, db *database.DB, retentionDays int, logger zerolog.Logger) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	pruned, err := db.PruneBookkeeping(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("Bookkeeping cleanup failed")
		return err
	}
	logger.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Bookkeeping cleanup finished")
	return nil
}
