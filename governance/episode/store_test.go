package episode

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/testutil"
	"github.com/BaSui01/agentgov/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	gs := NewGormStore(testutil.NewTestDB(t))
	require.NoError(t, gs.AutoMigrate())
	return map[string]Store{
		"memory": NewMemoryStore(0),
		"gorm":   gs,
	}
}

func TestStore_RecentNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Append(ctx, types.EpisodeOutcome{
					AgentID:           "a",
					Success:           i%2 == 0,
					CriticalViolation: i == 4,
					ComplianceScore:   0.9,
					Source:            types.EpisodeExecute,
					RefID:             fmt.Sprint(i),
					At:                base.Add(time.Duration(i) * time.Minute),
				}))
			}
			require.NoError(t, s.Append(ctx, types.EpisodeOutcome{AgentID: "b", At: base}))

			got, err := s.Recent(ctx, "a", 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "4", got[0].RefID)
			assert.True(t, got[0].CriticalViolation)
			assert.Equal(t, "2", got[2].RefID)

			all, err := s.Recent(ctx, "a", 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			none, err := s.Recent(ctx, "ghost", 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryStore_Capacity(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, types.EpisodeOutcome{AgentID: "a", RefID: fmt.Sprint(i)}))
	}
	got, err := s.Recent(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].RefID)
	assert.Equal(t, "2", got[1].RefID)
}

func TestGormStore_JoinsTransaction(t *testing.T) {
	db := testutil.NewTestDB(t)
	s := NewGormStore(db)
	require.NoError(t, s.AutoMigrate())
	ctx := context.Background()

	boom := errors.New("boom")
	err := database.InTx(ctx, db, func(ctx context.Context) error {
		require.NoError(t, s.Append(ctx, types.EpisodeOutcome{AgentID: "a", At: time.Now()}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Recent(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
