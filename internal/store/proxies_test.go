package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unirep/internal/ir"
)

func commitValue(t *testing.T, s *Store, target ir.TargetID, v ir.IRValue, deps ...ir.TargetID) ir.GraphNode {
	t.Helper()
	n, err := s.CommitTarget(context.Background(), Commit{
		TenantID:  "t1",
		Target:    target,
		Value:     v,
		DependsOn: deps,
		Apply: func(n *ir.GraphNode) {
			n.Status = ir.NodeEvaluated
			n.AppliedSeq++
		},
	})
	require.NoError(t, err)
	return n
}

func TestCommitTarget_PartialUpdateIsolation(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	key := ir.ProxyKey{DomainID: "ticket", ContextKey: "T-1"}

	commitValue(t, s, key.Target("status"), ir.IRString("open"))
	commitValue(t, s, key.Target("tags"), ir.IRArray{ir.IRString("b"), ir.IRString("a")})

	var before string
	require.NoError(t, s.db.QueryRow(`SELECT dynamic_fields FROM proxies WHERE context_key = 'T-1'`).Scan(&before))

	clock.Advance(time.Second)
	commitValue(t, s, key.Target("status"), ir.IRString("closed"))

	p, err := s.GetProxy(ctx, "t1", "ticket", "T-1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("closed"), p.DynamicFields["status"])
	assert.Equal(t, ir.IRArray{ir.IRString("b"), ir.IRString("a")}, p.DynamicFields["tags"])
	assert.Equal(t, testEpoch, p.CreatedAt)
	assert.Equal(t, testEpoch.Add(time.Second), p.UpdatedAt)
	assert.Equal(t, ir.ProxyID("t1", "ticket", "T-1"), p.ID())

	var after string
	require.NoError(t, s.db.QueryRow(`SELECT dynamic_fields FROM proxies WHERE context_key = 'T-1'`).Scan(&after))
	assert.Contains(t, before, `"tags":["b","a"]`)
	assert.Contains(t, after, `"tags":["b","a"]`)
}

func TestCommitTarget_NilValuePersistsNull(t *testing.T) {
	s, _ := createTestStore(t)
	target := ir.TargetID{DomainID: "ticket", ContextKey: "T-1", FieldID: "owner"}

	commitValue(t, s, target, nil)

	v, ok, err := s.GetProxyField(context.Background(), "t1", target)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ir.IsNull(v))
}

func TestCommitTarget_ReplacesEdges(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	a := ir.TargetID{DomainID: "ticket", ContextKey: "T-1", FieldID: "a"}
	b := ir.TargetID{DomainID: "ticket", ContextKey: "T-1", FieldID: "b"}
	c := ir.TargetID{DomainID: "ticket", ContextKey: "T-1", FieldID: "c"}

	commitValue(t, s, b, ir.IRInt(1))
	commitValue(t, s, c, ir.IRInt(2))
	commitValue(t, s, a, ir.IRInt(3), b, c)

	n, err := s.GetNode(ctx, "t1", a)
	require.NoError(t, err)
	assert.Equal(t, []ir.TargetID{b, c}, n.DependsOn)
	assert.Equal(t, ir.NodeEvaluated, n.Status)
	assert.Equal(t, int64(1), n.AppliedSeq)

	commitValue(t, s, a, ir.IRInt(4), c)
	n, err = s.GetNode(ctx, "t1", b)
	require.NoError(t, err)
	assert.Empty(t, n.DependedBy)

	nodes, err := s.LoadGraph(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []ir.TargetID{c}, nodes[0].DependsOn)
}

func TestListProxies_Paged(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"T-3", "T-1", "T-2"} {
		commitValue(t, s, ir.TargetID{DomainID: "ticket", ContextKey: k, FieldID: "status"}, ir.IRString(k))
	}
	commitValue(t, s, ir.TargetID{DomainID: "other", ContextKey: "T-1", FieldID: "x"}, ir.IRInt(1))

	page, total, err := s.ListProxies(ctx, "t1", "ticket", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "T-1", page[0].ContextKey)
	assert.Equal(t, "T-2", page[1].ContextKey)

	page, _, err = s.ListProxies(ctx, "t1", "ticket", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "T-3", page[0].ContextKey)

	page, total, err = s.ListProxies(ctx, "t2", "ticket", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)
}

func TestFragments_AssertedArePinned(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	key := ir.ProxyKey{DomainID: "ticket", ContextKey: "T-1"}

	_, err := s.AssertFragments(ctx, "t1", key, ir.IRObject{"title": ir.IRString("from parent")})
	require.NoError(t, err)

	p, err := s.SetRenderedFragments(ctx, "t1", key, ir.IRObject{
		"title":   ir.IRString("rendered"),
		"summary": ir.IRString("open"),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("from parent"), p.Fragments["title"])
	assert.Equal(t, ir.IRString("open"), p.Fragments["summary"])
	assert.Equal(t, []string{"title"}, p.AssertedFragments)
}

func TestNodes_DirtyRetryAndResume(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	a := ir.TargetID{DomainID: "ticket", ContextKey: "T-1", FieldID: "a"}
	b := ir.TargetID{DomainID: "ticket", ContextKey: "T-2", FieldID: "a"}

	require.NoError(t, s.SetNodesDirty(ctx, "t1", a, b))

	later := clock.Now().Add(time.Minute)
	_, err := s.UpdateNode(ctx, "t1", a, func(n *ir.GraphNode) error {
		n.Attempts = 1
		n.NextAttemptAt = &later
		n.Pending = []ir.Contribution{{Kind: ir.ContributionEvent, EventID: "e1", Seq: 1}}
		return nil
	})
	require.NoError(t, err)
	_, err = s.UpdateNode(ctx, "t1", b, func(n *ir.GraphNode) error {
		n.Suspended = true
		n.Attempts = 3
		return nil
	})
	require.NoError(t, err)

	ready, err := s.ListRetryable(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "a waits for its deadline, b is suspended")

	clock.Advance(2 * time.Minute)
	ready, err = s.ListRetryable(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, a, ready[0].Target)
	require.Len(t, ready[0].Pending, 1)
	assert.Equal(t, "e1", ready[0].Pending[0].EventID)

	suspended, err := s.ListSuspended(ctx, "")
	require.NoError(t, err)
	require.Len(t, suspended, 1)

	resumed, err := s.ResumeDomainTargets(ctx, "ticket")
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, b, resumed[0].Target)

	n, err := s.GetNode(ctx, "t1", b)
	require.NoError(t, err)
	assert.False(t, n.Suspended)
	assert.Zero(t, n.Attempts)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tenants)
}
