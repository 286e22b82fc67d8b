package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/ir"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// testClock is a settable clock for lease and retry deadlines.
type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(testEpoch.UnixNano())
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }

func (c *testClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// createTestStore opens a store in a temp directory with a fixed clock.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createTestEvent builds an event with minimal required fields.
func createTestEvent(id, docID string, current ir.IRObject) ir.ImportedEvent {
	return ir.ImportedEvent{
		ID:            id,
		TenantID:      "t1",
		Source:        "tickets",
		SourceDocID:   docID,
		CurrentValues: current,
	}
}

func appendEvent(t *testing.T, s *Store, ev ir.ImportedEvent) ir.ImportedEvent {
	t.Helper()
	stored, inserted, err := s.AppendEvent(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted, "event %s should be new", ev.ID)
	return stored
}

func testDomain() ir.Domain {
	return ir.Domain{
		ID:   "ticket",
		Name: "Ticket",
		ProxyFields: []ir.ProxyField{
			{ID: "status", Name: "Status", Expression: ir.Field("currentValues.status", ir.TypeString)},
		},
		Trigger: ir.Trigger{
			Sources:              []string{"tickets"},
			ContextKeyExpression: ir.Field("sourceDocId", ir.TypeString),
		},
	}
}
