package store

import (
	"context"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Ledger Interface
// =============================================================================

// DefaultMaxEntries is how many attempts the ledger keeps.
const DefaultMaxEntries = 100

// Ledger is the append-only, capped record of deployment attempts.
// It is read by reporting and never consulted by the orchestrator.
type Ledger interface {
	// Record appends a sealed attempt and trims the ledger to its cap.
	Record(ctx context.Context, attempt *domain.Attempt) error

	// History returns up to limit attempts, most recent first.
	History(ctx context.Context, limit int) ([]domain.Attempt, error)

	// HistoryForContainer is History filtered by container name.
	HistoryForContainer(ctx context.Context, container string, limit int) ([]domain.Attempt, error)

	// Count returns the number of stored attempts.
	Count(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}

// normalizeLimit clamps a history limit to (0, max].
func normalizeLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
