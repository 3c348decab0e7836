package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
	"github.com/ahrav/fleet-merger/internal/infra/storage"
)

func setupSessionLedgerTest(t *testing.T) (context.Context, *SessionLedger) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, cleanup := storage.SetupTestContainer(t)
	t.Cleanup(cleanup)

	return context.Background(), NewSessionLedger(pool, storage.NoOpTracer())
}

func TestSessionLedger_SeenAndRecord(t *testing.T) {
	ctx, ledger := setupSessionLedgerTest(t)

	key := fleet.SessionKey{DriverID: "D1", TruckID: "T1", Start: "08:00", Rest: "12:00", End: "17:00"}

	seen, err := ledger.SeenAndRecord(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = ledger.SeenAndRecord(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	n, err := ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, ledger.Unrecord(ctx, key))
	require.NoError(t, ledger.Unrecord(ctx, key))

	seen, err = ledger.SeenAndRecord(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSessionLedger_NextSessionIsDistinct(t *testing.T) {
	ctx, ledger := setupSessionLedgerTest(t)

	monday := fleet.SessionKey{DriverID: "D1", TruckID: "T1", Start: "2024-01-01T08:00", Rest: "2024-01-01T12:00", End: "2024-01-01T17:00"}
	tuesday := fleet.SessionKey{DriverID: "D1", TruckID: "T1", Start: "2024-01-02T08:00", Rest: "2024-01-02T12:00", End: "2024-01-02T17:00"}

	seen, err := ledger.SeenAndRecord(ctx, monday)
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = ledger.SeenAndRecord(ctx, tuesday)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSessionLedger_ConcurrentClaims(t *testing.T) {
	ctx, ledger := setupSessionLedgerTest(t)

	key := fleet.SessionKey{DriverID: "D2", TruckID: "T2", Start: "08:00", Rest: "12:00", End: "17:00"}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := ledger.SeenAndRecord(ctx, key)
			if err == nil && !seen {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
