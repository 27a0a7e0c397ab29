package graduation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/types"
	"gorm.io/gorm"
)

type resultModel struct {
	ID             string    `gorm:"primaryKey;size:64"`
	AgentID        string    `gorm:"size:128;not null;index:idx_exam_results_agent,priority:1"`
	FromTier       string    `gorm:"size:16;not null"`
	ToTier         string    `gorm:"size:16;not null"`
	Mode           string    `gorm:"size:16;not null"`
	BatterySize    int       `gorm:"not null"`
	ScenariosRun   int       `gorm:"not null"`
	CriticalErrors int       `gorm:"not null"`
	ReadinessScore float64   `gorm:"not null"`
	Passed         bool      `gorm:"not null"`
	FailureReasons string    `gorm:"type:text"`
	EvaluatedAt    time.Time `gorm:"not null;index:idx_exam_results_agent,priority:2"`
}

func (resultModel) TableName() string { return "exam_results" }

// GormStore 通过 GORM 持久化结果。Save 加入调用方事务，
// 晋级与其考试结果一起提交。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&resultModel{})
}

func (s *GormStore) Save(ctx context.Context, r *Result) error {
	reasons, err := json.Marshal(r.FailureReasons)
	if err != nil {
		return fmt.Errorf("marshal failure reasons: %w", err)
	}
	m := &resultModel{
		ID:             r.ID,
		AgentID:        r.AgentID,
		FromTier:       string(r.FromTier),
		ToTier:         string(r.ToTier),
		Mode:           string(r.Mode),
		BatterySize:    r.BatterySize,
		ScenariosRun:   r.ScenariosRun,
		CriticalErrors: r.CriticalErrors,
		ReadinessScore: r.ReadinessScore,
		Passed:         r.Passed,
		FailureReasons: string(reasons),
		EvaluatedAt:    r.EvaluatedAt.UTC(),
	}
	if err := database.Conn(ctx, s.db).Create(m).Error; err != nil {
		return fmt.Errorf("save exam result %s: %w", r.ID, err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context, agentID string) ([]*Result, error) {
	var rows []resultModel
	err := database.Conn(ctx, s.db).
		Where("agent_id = ?", agentID).
		Order("evaluated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list exam results: %w", err)
	}
	out := make([]*Result, 0, len(rows))
	for _, m := range rows {
		r := &Result{
			ID:             m.ID,
			AgentID:        m.AgentID,
			FromTier:       types.MaturityTier(m.FromTier),
			ToTier:         types.MaturityTier(m.ToTier),
			Mode:           Mode(m.Mode),
			BatterySize:    m.BatterySize,
			ScenariosRun:   m.ScenariosRun,
			CriticalErrors: m.CriticalErrors,
			ReadinessScore: m.ReadinessScore,
			Passed:         m.Passed,
			EvaluatedAt:    m.EvaluatedAt,
		}
		if m.FailureReasons != "" {
			if err := json.Unmarshal([]byte(m.FailureReasons), &r.FailureReasons); err != nil {
				return nil, fmt.Errorf("decode failure reasons of %s: %w", m.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, nil
}
