package stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/accesscontrol"
)

func TestMemoryPolicyStoreScopesAndDeactivates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPolicyStore(
		accesscontrol.Permission("approver", "approve", "Loan/*", "loans", accesscontrol.EffectAllow),
		accesscontrol.Permission("approver", "approve", "Card/*", "cards", accesscontrol.EffectAllow),
		accesscontrol.Grouping("grp-admins", "admin", accesscontrol.GlobalWorkstream),
	)
	got, err := s.ListTuples(ctx, "loans")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)

	assert.True(t, s.Deactivate(1))
	assert.False(t, s.Deactivate(99))
	got, err = s.ListTuples(ctx, "loans")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, accesscontrol.TupleGrouping, got[0].Type)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.ListTuples(cctx, "loans")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRoleStoreSystemRoles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRoleStore()
	require.NoError(t, s.CreateRole(ctx, accesscontrol.Role{Name: "admin", WorkstreamID: "loans", IsSystemRole: true}))
	require.NoError(t, s.CreateRole(ctx, accesscontrol.Role{Name: "clerk", WorkstreamID: "loans"}))
	assert.Error(t, s.CreateRole(ctx, accesscontrol.Role{Name: "clerk", WorkstreamID: "loans"}))

	err := s.DeleteRole(ctx, "loans", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be deleted")
	require.NoError(t, s.DeleteRole(ctx, "loans", "clerk"))

	roles, err := s.ListRoles(ctx, "loans")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "admin", roles[0].Name)
}

func TestMemoryUserAttributeStoreCopies(t *testing.T) {
	s := NewMemoryUserAttributeStore()
	in := map[string]any{"ApprovalLimit": 150000}
	s.Set("u1", "loans", in)
	in["ApprovalLimit"] = 1

	got, err := s.GetAttributes(context.Background(), "u1", "loans")
	require.NoError(t, err)
	assert.Equal(t, 150000, got["ApprovalLimit"])
	got["ApprovalLimit"] = 2

	again, err := s.GetAttributes(context.Background(), "u1", "loans")
	require.NoError(t, err)
	assert.Equal(t, 150000, again["ApprovalLimit"])

	none, err := s.GetAttributes(context.Background(), "u2", "loans")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryProcessStoreTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryProcessStore()
	require.NoError(t, s.CreateProcess(ctx, &accesscontrol.BusinessProcess{ID: "p-1", Status: accesscontrol.ProcessInitiated}))
	assert.Error(t, s.CreateProcess(ctx, &accesscontrol.BusinessProcess{ID: "p-1"}))

	now := time.Now()
	require.NoError(t, s.CompleteProcess(ctx, "p-1", accesscontrol.ProcessWithdrawn, "", now))
	err := s.CompleteProcess(ctx, "p-1", accesscontrol.ProcessWithdrawn, "", now)
	assert.True(t, accesscontrol.IsProcessStateError(err))
	err = s.CompleteProcess(ctx, "nope", accesscontrol.ProcessWithdrawn, "", now)
	assert.True(t, accesscontrol.IsProcessNotFound(err))
}

func TestMemoryEventStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	ledger, err := accesscontrol.NewEventLedger(NewMemoryEventStore(), nil)
	require.NoError(t, err)

	const total = 150
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/10; i++ {
				seq, err := ledger.Append(ctx, accesscontrol.BusinessEvent{WorkstreamID: "loans", EventType: "X", ActorID: "u"})
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[seq])
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, total)

	events, err := ledger.Events(ctx, accesscontrol.EventFilter{AfterSequence: 140})
	require.NoError(t, err)
	require.Len(t, events, 10)
	assert.Equal(t, int64(141), events[0].SequenceNumber)
}

func TestMemoryGroupMirror(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGroupMirror()
	first := time.Unix(1000, 0).UTC()
	require.NoError(t, m.UpsertUser(ctx, "u1", "Ada", first))
	g, err := m.GetOrCreateGroup(ctx, "g-a", accesscontrol.SourceJWT)
	require.NoError(t, err)
	same, err := m.GetOrCreateGroup(ctx, "g-a", accesscontrol.SourceJWT)
	require.NoError(t, err)
	assert.Equal(t, g.ID, same.ID)
	assert.Equal(t, "g-a", *g.DisplayName)

	require.NoError(t, m.UpsertAssociation(ctx, "u1", g.ID, accesscontrol.SourceJWT, first))
	require.NoError(t, m.UpsertAssociation(ctx, "u1", g.ID, accesscontrol.SourceJWT, first.Add(time.Minute)))
	assocs := m.Associations("u1")
	require.Len(t, assocs, 1)
	assert.Equal(t, first, assocs[0].FirstSeenAt)
	assert.Equal(t, first.Add(time.Minute), assocs[0].LastSeenAt)
	assert.True(t, m.HasUser("u1"))
	assert.Len(t, m.Groups(), 1)
}
