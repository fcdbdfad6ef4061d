package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lifecycle/pkg/schema"
)

func TestJournal_Replay(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := seedInstance(t, s, nil)
		c := advance(inst, "Assigned", t0.Add(time.Minute))
		require.NoError(t, s.CommitTransition(ctx, c))
		require.NoError(t, s.AppendEvent(ctx, &EventRecord{
			InstanceID: inst.ID, ObjectType: "Case", Name: "resolve",
			Origin: schema.OriginUser, Outcome: schema.OutcomeIgnored, Version: 2,
		}))
		require.NoError(t, s.CommitTransition(ctx, advance(c.Instance, "Escalated", t0.Add(4*time.Hour))))

		h, err := NewJournal(s).Replay(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "Case", h.ObjectType)
		assert.Equal(t, []string{"New", "Assigned", "Escalated"}, h.Path())
		assert.Equal(t, "Escalated", h.State)
		assert.Equal(t, int64(3), h.Version)
		assert.False(t, h.Deleted)
		assert.Equal(t, 2, h.Outcomes["applied"])
		assert.Equal(t, 1, h.Outcomes["ignored"])
		assert.True(t, h.Visits[2].EnteredAt.Equal(t0.Add(4*time.Hour)))
	})
}

func TestJournal_ReplayDeleted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	inst := seedInstance(t, s, nil)
	require.NoError(t, s.DeleteInstance(ctx, inst.ID, &EventRecord{
		InstanceID: inst.ID, ObjectType: "Case", Name: "delete",
		Origin: schema.OriginAdmin, Outcome: schema.OutcomeDeleted, Version: 1,
	}))

	h, err := NewJournal(s).Replay(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, h.Deleted)
	assert.Equal(t, "New", h.State)
}

func TestJournal_ReplayUnknown(t *testing.T) {
	_, err := NewJournal(NewMemoryStore()).Replay(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

type gappyStore struct {
	Store
}

func (gappyStore) GetEvents(context.Context, string, int64) ([]*EventRecord, error) {
	return []*EventRecord{
		{Sequence: 1, Outcome: schema.OutcomeCreated, ToState: "New"},
		{Sequence: 3, Outcome: schema.OutcomeApplied, ToState: "Assigned"},
	}, nil
}

func TestJournal_ReplaySequenceGap(t *testing.T) {
	_, err := NewJournal(gappyStore{}).Replay(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "sequence gap")
}
