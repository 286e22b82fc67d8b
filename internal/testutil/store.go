package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/store"
)

// OpenStore opens a store in a per-test temp directory, driven by clock,
// and closes it when the test ends.
func OpenStore(t testing.TB, clock *Clock) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "urep.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
