package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreInstances(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveInstance(ctx, InstanceRecord{DefinitionID: "b", State: "running"}))
	require.NoError(t, s.SaveInstance(ctx, InstanceRecord{DefinitionID: "a", State: "stopped"}))

	recs, err := s.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].DefinitionID)
	assert.False(t, recs[0].UpdatedAt.IsZero())

	// Upsert semantics.
	require.NoError(t, s.SaveInstance(ctx, InstanceRecord{DefinitionID: "a", State: "running", ContainerID: "c1"}))
	recs, err = s.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "running", recs[0].State)
	assert.Equal(t, "c1", recs[0].ContainerID)

	require.NoError(t, s.DeleteInstance(ctx, "a"))
	recs, err = s.ListInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Deleting a missing record is not an error.
	require.NoError(t, s.DeleteInstance(ctx, "missing"))
}

func TestMemoryStoreSessions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, SessionRecord{DefinitionID: "gh", SessionToken: "tok-1"}))

	recs, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tok-1", recs[0].SessionToken)

	require.NoError(t, s.SaveSession(ctx, SessionRecord{DefinitionID: "gh", SessionToken: "tok-2"}))
	recs, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "tok-2", recs[0].SessionToken)

	require.NoError(t, s.DeleteSession(ctx, "gh"))
	recs, err = s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
