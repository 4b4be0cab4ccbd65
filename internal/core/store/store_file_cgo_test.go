//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flagwire/flagwire/internal/config"
)

func TestFileStoreKeepsSyncRequestsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{
		Driver: "libsql",
		Path:   filepath.Join(t.TempDir(), "nested", "flagwire.db"),
	}

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.Equal(t, "libsql", first.Driver())
	require.Equal(t, 1, first.DB.Stats().MaxOpenConnections)
	require.NoError(t, first.CheckHealth(ctx))
	require.NoError(t, first.Migrate(ctx))

	_, err = first.RecordSyncRequest(ctx, SyncRequest{
		RequestID:  "req-1",
		Payload:    payloadFor("phc_file", "user-a", "anon-a"),
		StatusCode: 200,
		ReceivedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	require.NoError(t, second.Migrate(ctx), "migrating an existing store is a no-op")

	var journalMode string
	require.NoError(t, second.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, second.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.GreaterOrEqual(t, busyTimeout, 1000)

	requests, err := second.ListSyncRequests(ctx, SyncRequestQuery{Token: "phc_file"})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, "req-1", requests[0].RequestID)
	require.Equal(t, "user-a", requests[0].Payload.DistinctID)
	require.Equal(t, "anon-a", requests[0].Payload.AnonDistinctID)
}

func TestClosedStoreFailsHealthCheck(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, driverLibsql, store.Driver(), "empty driver defaults to libsql")
	require.NoError(t, store.CheckHealth(ctx))

	require.NoError(t, store.Close())
	require.Error(t, store.CheckHealth(ctx))
}
