package graduation

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentgov/governance/episode"
	"github.com/BaSui01/agentgov/types"
)

// ScenarioOutcome 单个考试场景的结果
type ScenarioOutcome struct {
	Critical bool
	Detail   string
}

// Scenario 运行一个考试场景，返回错误表示场景未运行
type Scenario func(ctx context.Context) (ScenarioOutcome, error)

// ScenarioRunner 为一次考试构建场景集。可以少于 size 个，缺少的计为未运行。
type ScenarioRunner interface {
	Prepare(ctx context.Context, agent *types.Agent, target types.MaturityTier, size int) ([]Scenario, error)
}

// ReplayRunner 回放智能体已记录的任务：第 i 个场景是倒数第 i 个任务，
// 严重违规计为严重错误。
type ReplayRunner struct {
	episodes episode.Store
}

func NewReplayRunner(episodes episode.Store) *ReplayRunner {
	return &ReplayRunner{episodes: episodes}
}

func (r *ReplayRunner) Prepare(ctx context.Context, agent *types.Agent, _ types.MaturityTier, size int) ([]Scenario, error) {
	history, err := r.episodes.Recent(ctx, agent.ID, size)
	if err != nil {
		return nil, fmt.Errorf("load episode history: %w", err)
	}
	out := make([]Scenario, 0, len(history))
	for _, ep := range history {
		out = append(out, func(ctx context.Context) (ScenarioOutcome, error) {
			if err := ctx.Err(); err != nil {
				return ScenarioOutcome{}, err
			}
			return ScenarioOutcome{
				Critical: ep.CriticalViolation,
				Detail:   fmt.Sprintf("replayed %s episode %s", ep.Source, ep.RefID),
			}, nil
		})
	}
	return out, nil
}
