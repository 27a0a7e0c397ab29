package proposal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProposal(id, agentID string, created time.Time) *Proposal {
	return &Proposal{
		ID:      id,
		AgentID: agentID,
		Request: types.ActionRequest{
			AgentID:       agentID,
			Complexity:    3,
			TriggerSource: types.TriggerScheduled,
			Payload:       []byte(`{"target":"db"}`),
		},
		Tier:      types.TierIntern,
		Status:    StatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
	}
}

func TestStore_Contract(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				agent := "a"
				if i == 2 {
					agent = "b"
				}
				require.NoError(t, store.Create(ctx, newProposal(fmt.Sprintf("p-%d", i), agent, base.Add(time.Duration(i)*time.Minute))))
			}

			got, err := store.Get(ctx, "p-0")
			require.NoError(t, err)
			assert.Equal(t, types.ActionComplexity(3), got.Request.Complexity)
			assert.JSONEq(t, `{"target":"db"}`, string(got.Request.Payload))
			assert.Nil(t, got.DecidedAt)

			_, err = store.Get(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			list, err := store.List(ctx, ListFilter{AgentID: "a"})
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "p-0", list[0].ID, "oldest first")

			list, err = store.List(ctx, ListFilter{ExpiresBefore: base.Add(time.Hour + 30*time.Second)})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "p-0", list[0].ID)

			list, err = store.List(ctx, ListFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestStore_CompareAndSwapStatus(t *testing.T) {
	decided := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newProposal("p-1", "a", decided.Add(-time.Minute))))

			ok, err := store.CompareAndSwapStatus(ctx, "p-1", StatusPending, Transition{
				Status: StatusApproved, DecidedAt: decided, DecidedBy: "alice", Comment: "ok",
			})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.CompareAndSwapStatus(ctx, "p-1", StatusPending, Transition{
				Status: StatusRejected, DecidedAt: decided, DecidedBy: "bob",
			})
			require.NoError(t, err)
			assert.False(t, ok, "second transition from PENDING loses")

			got, err := store.Get(ctx, "p-1")
			require.NoError(t, err)
			assert.Equal(t, StatusApproved, got.Status)
			assert.Equal(t, "alice", got.DecidedBy)
			require.NotNil(t, got.DecidedAt)
			assert.True(t, decided.Equal(*got.DecidedAt))

			_, err = store.CompareAndSwapStatus(ctx, "missing", StatusPending, Transition{Status: StatusExpired})
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.SetDispatchHandle(ctx, "p-1", "p-1"))
			got, _ = store.Get(ctx, "p-1")
			assert.Equal(t, "p-1", got.DispatchHandle)
			assert.ErrorIs(t, store.SetDispatchHandle(ctx, "missing", "h"), ErrNotFound)
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	for _, s := range []Status{StatusApproved, StatusRejected, StatusExpired} {
		assert.True(t, s.Terminal(), s)
	}
}
