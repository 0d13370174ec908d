package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/store"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreSuite(t, newSQLiteStore)
}

func TestSQLiteStore_ReopenKeepsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	entries := appendN(t, s, 3)
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	head, err := s.AuditHead(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), head.NextSeq)
	require.Equal(t, entries[2].EntryHash, head.PrevHash)
}

func TestOpen_Schemes(t *testing.T) {
	ctx := context.Background()

	s, err := store.Open(ctx, "", "", 0)
	require.NoError(t, err)
	require.Equal(t, "memory", s.Backend())
	s.Close()

	s, err = store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "x.db"), "", 0)
	require.NoError(t, err)
	require.Equal(t, "sqlite", s.Backend())
	s.Close()

	_, err = store.Open(ctx, "mysql://nope", "", 0)
	require.Error(t, err)
}
