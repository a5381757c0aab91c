package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/dockpilot/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T, maxEntries int) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", maxEntries)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSpec(name string) domain.DeploymentSpec {
	spec := domain.DeploymentSpec{
		ImageTag:      "web:1.0",
		ContainerName: name,
		PortMapping:   map[string]string{"8080": "80"},
		Environment:   map[string]string{"MODE": "prod"},
	}
	spec.ApplyDefaults()
	return spec
}

func sealedAttempt(t *testing.T, i int, name string, outcome domain.Outcome) *domain.Attempt {
	t.Helper()
	spec := testSpec(name)
	spec.ImageTag = fmt.Sprintf("web:%d", i)

	started := baseTime.Add(time.Duration(i) * time.Minute)
	a := domain.NewAttempt(domain.StrategyRolling, spec, started)

	var cause error
	if outcome != domain.OutcomeSucceeded {
		cause = domain.NewDeployError(domain.PhaseBuild, domain.ErrBuildFailure, errors.New("exit 1"))
	}
	require.NoError(t, a.Seal(outcome, cause, started.Add(42*time.Second)))
	return a
}

func recordN(t *testing.T, store *SQLiteStore, n int) []*domain.Attempt {
	t.Helper()
	attempts := make([]*domain.Attempt, 0, n)
	for i := range n {
		a := sealedAttempt(t, i, "web", domain.OutcomeSucceeded)
		require.NoError(t, store.Record(context.Background(), a))
		attempts = append(attempts, a)
	}
	return attempts
}

// =============================================================================
// Record Tests
// =============================================================================

func TestRecord_RoundTripsFields(t *testing.T) {
	store := setupTestStore(t, 10)
	ctx := context.Background()

	a := sealedAttempt(t, 1, "api", domain.OutcomeFailed)
	a.Notices = []string{"port 8080 was briefly unserved"}
	require.NoError(t, store.Record(ctx, a))

	history, err := store.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)

	got := history[0]
	assert.Equal(t, a.ReferenceID, got.ReferenceID)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, domain.StrategyRolling, got.Strategy)
	assert.Equal(t, domain.OutcomeFailed, got.Outcome)
	assert.Equal(t, domain.PhaseBuild, got.FailedPhase)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Contains(t, got.ErrorMessage, "exit 1")
	assert.Equal(t, a.Notices, got.Notices)
	assert.Equal(t, "web:1", got.Spec.ImageTag)
	assert.Equal(t, "api", got.Spec.ContainerName)
	assert.Equal(t, map[string]string{"8080": "80"}, got.Spec.PortMapping)
	assert.Equal(t, 42*time.Second, got.Duration())
	assert.True(t, got.StartedAt.Equal(a.StartedAt))
	assert.True(t, got.Sealed())
	assert.False(t, got.Succeeded())
}

func TestRecord_RejectsUnsealed(t *testing.T) {
	store := setupTestStore(t, 10)

	a := domain.NewAttempt(domain.StrategyCanary, testSpec("web"), baseTime)
	err := store.Record(context.Background(), a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotSealed))

	err = store.Record(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNotSealed))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecord_DuplicateReference(t *testing.T) {
	store := setupTestStore(t, 10)
	ctx := context.Background()

	a := sealedAttempt(t, 1, "web", domain.OutcomeSucceeded)
	require.NoError(t, store.Record(ctx, a))

	err := store.Record(ctx, a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateID))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecord_TrimsToCap(t *testing.T) {
	store := setupTestStore(t, 5)
	ctx := context.Background()

	attempts := recordN(t, store, 8)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	history, err := store.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, attempts[7].ReferenceID, history[0].ReferenceID)
	assert.Equal(t, attempts[3].ReferenceID, history[4].ReferenceID)
}

func TestRecord_DefaultCap(t *testing.T) {
	store := setupTestStore(t, 0)
	assert.Equal(t, DefaultMaxEntries, store.maxEntries)
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistory_MostRecentFirst(t *testing.T) {
	store := setupTestStore(t, 100)
	ctx := context.Background()

	attempts := recordN(t, store, 10)

	history, err := store.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, attempts[9].ReferenceID, history[0].ReferenceID)
	assert.Equal(t, attempts[8].ReferenceID, history[1].ReferenceID)
	assert.Equal(t, attempts[7].ReferenceID, history[2].ReferenceID)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count, "reading history must not change the ledger")
}

func TestHistory_SameSecondKeepsInsertionOrder(t *testing.T) {
	store := setupTestStore(t, 10)
	ctx := context.Background()

	first := domain.NewAttempt(domain.StrategyRolling, testSpec("web"), baseTime)
	require.NoError(t, first.Seal(domain.OutcomeSucceeded, nil, baseTime))
	second := domain.NewAttempt(domain.StrategyRolling, testSpec("web"), baseTime)
	require.NoError(t, second.Seal(domain.OutcomeSucceeded, nil, baseTime))

	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))

	history, err := store.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ReferenceID, history[0].ReferenceID)
	assert.Equal(t, first.ID, second.ID)
}

func TestHistory_Empty(t *testing.T) {
	store := setupTestStore(t, 10)

	history, err := store.History(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHistory_LimitLargerThanCap(t *testing.T) {
	store := setupTestStore(t, 3)
	recordN(t, store, 3)

	history, err := store.History(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestHistoryForContainer(t *testing.T) {
	store := setupTestStore(t, 10)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, sealedAttempt(t, 1, "web", domain.OutcomeSucceeded)))
	require.NoError(t, store.Record(ctx, sealedAttempt(t, 2, "api", domain.OutcomeRolledBack)))
	require.NoError(t, store.Record(ctx, sealedAttempt(t, 3, "web", domain.OutcomeFailed)))

	history, err := store.HistoryForContainer(ctx, "web", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "web:3", history[0].Spec.ImageTag)
	assert.Equal(t, "web:1", history[1].Spec.ImageTag)

	history, err = store.HistoryForContainer(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.OutcomeRolledBack, history[0].Outcome)
	assert.Equal(t, domain.PhaseRolledBack, history[0].Phase)
}

// =============================================================================
// Persistence Tests
// =============================================================================

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, 10)
	require.NoError(t, err)
	a := sealedAttempt(t, 1, "web", domain.OutcomeSucceeded)
	require.NoError(t, store.Record(ctx, a))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, 10)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, a.ReferenceID, history[0].ReferenceID)
}

func TestStoreError_Format(t *testing.T) {
	err := NewStoreError("Record", "deploy_1", "boom", ErrTxFailed)
	assert.Equal(t, "ledger Record deploy_1: boom", err.Error())
	assert.True(t, errors.Is(err, ErrTxFailed))

	err = NewStoreError("WithTx", "", "boom", nil)
	assert.Equal(t, "ledger WithTx: boom", err.Error())
}
