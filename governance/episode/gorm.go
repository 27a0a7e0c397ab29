package episode

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/types"
	"gorm.io/gorm"
)

type episodeModel struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	AgentID           string    `gorm:"size:128;not null;index:idx_episodes_agent_at,priority:1"`
	Success           bool      `gorm:"not null"`
	HumanIntervened   bool      `gorm:"not null"`
	ComplianceScore   float64   `gorm:"not null"`
	CriticalViolation bool      `gorm:"not null"`
	Source            string    `gorm:"size:32;not null"`
	RefID             string    `gorm:"size:128"`
	At                time.Time `gorm:"not null;index:idx_episodes_agent_at,priority:2"`
}

func (episodeModel) TableName() string { return "episodes" }

// GormStore 把历史持久化到 episodes 表
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建基于 GORM 的存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建表，生产环境表结构来自迁移
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&episodeModel{})
}

func (s *GormStore) Append(ctx context.Context, o types.EpisodeOutcome) error {
	m := &episodeModel{
		AgentID:           o.AgentID,
		Success:           o.Success,
		HumanIntervened:   o.HumanIntervened,
		ComplianceScore:   o.ComplianceScore,
		CriticalViolation: o.CriticalViolation,
		Source:            string(o.Source),
		RefID:             o.RefID,
		At:                o.At.UTC(),
	}
	if err := database.Conn(ctx, s.db).Create(m).Error; err != nil {
		return fmt.Errorf("append episode for %s: %w", o.AgentID, err)
	}
	return nil
}

func (s *GormStore) Recent(ctx context.Context, agentID string, n int) ([]types.EpisodeOutcome, error) {
	q := database.Conn(ctx, s.db).Where("agent_id = ?", agentID).Order("at DESC").Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	var rows []episodeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent episodes for %s: %w", agentID, err)
	}
	out := make([]types.EpisodeOutcome, len(rows))
	for i, r := range rows {
		out[i] = types.EpisodeOutcome{
			AgentID:           r.AgentID,
			Success:           r.Success,
			HumanIntervened:   r.HumanIntervened,
			ComplianceScore:   r.ComplianceScore,
			CriticalViolation: r.CriticalViolation,
			Source:            types.EpisodeSource(r.Source),
			RefID:             r.RefID,
			At:                r.At,
		}
	}
	return out, nil
}
