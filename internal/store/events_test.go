package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/ir"
)

func TestAppendEvent_AssignsSeqAndHash(t *testing.T) {
	s, _ := createTestStore(t)

	ev := appendEvent(t, s, createTestEvent("e1", "T-1", ir.IRObject{"status": ir.IRString("open")}))

	assert.Equal(t, int64(1), ev.Seq)
	assert.False(t, ev.Processed)
	assert.Equal(t, testEpoch, ev.CreatedAt)
	assert.Equal(t, ir.MustEventContentHash("t1", "tickets", "T-1", ir.IRObject{"status": ir.IRString("open")}), ev.ContentHash)
	assert.Equal(t, ir.IRString("open"), ev.CurrentValues["status"])
}

func TestAppendEvent_CoalescesUnprocessedDuplicates(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	current := ir.IRObject{"status": ir.IRString("open"), "priority": ir.IRInt(2)}

	first := appendEvent(t, s, createTestEvent("e1", "T-1", current))

	dup, inserted, err := s.AppendEvent(ctx, createTestEvent("e2", "T-1", ir.IRObject{"priority": ir.IRInt(2), "status": ir.IRString("open")}))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, dup.ID)

	n, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Once processed, the same content is a new change.
	require.NoError(t, s.MarkProcessed(ctx, "e1"))
	again, inserted, err := s.AppendEvent(ctx, createTestEvent("e3", "T-1", current))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "e3", again.ID)
}

func TestAppendEvent_SameIDIsIdempotent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	appendEvent(t, s, createTestEvent("e1", "T-1", ir.IRObject{"status": ir.IRString("open")}))
	require.NoError(t, s.MarkProcessed(ctx, "e1"))

	got, inserted, err := s.AppendEvent(ctx, createTestEvent("e1", "T-1", ir.IRObject{"status": ir.IRString("open")}))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "e1", got.ID)
	assert.True(t, got.Processed)
}

func TestAppendEvent_Validation(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.AppendEvent(ctx, ir.ImportedEvent{TenantID: "t1", Source: "x", SourceDocID: "d"})
	assert.Error(t, err, "id is required")

	_, _, err = s.AppendEvent(ctx, ir.ImportedEvent{ID: "e1", Source: "x", SourceDocID: "d"})
	assert.Error(t, err, "tenant is required")
}

func TestPullUnprocessed_LeasesInSeqOrder(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		appendEvent(t, s, createTestEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("T-%d", i), ir.IRObject{}))
	}

	batch, err := s.PullUnprocessed(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "e1", batch[0].ID)
	assert.Equal(t, "e2", batch[1].ID)

	// Leased events are skipped by a concurrent puller.
	batch, err = s.PullUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "e3", batch[0].ID)

	batch, err = s.PullUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// An abandoned lease expires.
	require.NoError(t, s.MarkProcessed(ctx, "e1"))
	clock.Advance(2 * time.Minute)
	batch, err = s.PullUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "e2", batch[0].ID)
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	appendEvent(t, s, createTestEvent("e1", "T-1", ir.IRObject{}))

	require.NoError(t, s.MarkProcessed(ctx, "e1"))
	clock.Advance(time.Hour)
	require.NoError(t, s.MarkProcessed(ctx, "e1"))

	ev, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, testEpoch, *ev.ProcessedAt, "second mark must not move processed_at")

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayEvents_PagesInOrder(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	total := replayPageSize + 5
	for i := 0; i < total; i++ {
		appendEvent(t, s, createTestEvent(fmt.Sprintf("e%03d", i), fmt.Sprintf("T-%d", i), ir.IRObject{}))
	}

	var seqs []int64
	err := s.ReplayEvents(ctx, func(ev ir.ImportedEvent) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seqs, total)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}

	stop := errors.New("stop")
	count := 0
	err = s.ReplayEvents(ctx, func(ir.ImportedEvent) error {
		count++
		if count == 3 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, count)
}
