// Package maintenance provides one-shot cleanup tasks for the status cache.
package maintenance

import (
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/watchtower/internal/cache"
	"github.com/woozymasta/watchtower/internal/config"
)

// Run checks if any maintenance flags are set and executes the
// corresponding tasks. Returns true if a maintenance task was executed,
// indicating the program should exit instead of starting the poll loop.
func Run(cfg *config.PollerCmd, c *cache.Cache) bool {
	if cfg.PruneStale <= 0 {
		return false
	}

	log.Info().Dur("age", cfg.PruneStale).Msg("Pruning stale statuses...")

	count, err := c.PruneStale(cfg.PruneStale)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune statuses")
	} else {
		log.Info().Int64("deleted", count).Msg("Prune finished")
	}

	return true
}
