package maturity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// agentModel agents 表行，能力存储为 "1,2,3"
type agentModel struct {
	ID                string `gorm:"primaryKey;size:128"`
	Name              string `gorm:"size:256"`
	Tier              string `gorm:"size:16;not null;index"`
	ConfidenceScore   float64
	EpisodeCount      int64
	InterventionCount int64
	ComplianceScore   float64
	Capabilities      string `gorm:"size:32"`
	ConfigVersion     uint64 `gorm:"not null"`
	Active            bool   `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (agentModel) TableName() string { return "agents" }

func toModel(a *types.Agent) *agentModel {
	caps := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = strconv.Itoa(int(c))
	}
	return &agentModel{
		ID:                a.ID,
		Name:              a.Name,
		Tier:              string(a.Tier),
		ConfidenceScore:   a.ConfidenceScore,
		EpisodeCount:      a.EpisodeCount,
		InterventionCount: a.InterventionCount,
		ComplianceScore:   a.ComplianceScore,
		Capabilities:      strings.Join(caps, ","),
		ConfigVersion:     a.ConfigVersion,
		Active:            a.Active,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func (m *agentModel) toAgent() (*types.Agent, error) {
	a := &types.Agent{
		ID:                m.ID,
		Name:              m.Name,
		Tier:              types.MaturityTier(m.Tier),
		ConfidenceScore:   m.ConfidenceScore,
		EpisodeCount:      m.EpisodeCount,
		InterventionCount: m.InterventionCount,
		ComplianceScore:   m.ComplianceScore,
		ConfigVersion:     m.ConfigVersion,
		Active:            m.Active,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
	if m.Capabilities != "" {
		for _, part := range strings.Split(m.Capabilities, ",") {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("agent %s: bad capability %q", m.ID, part)
			}
			a.Capabilities = append(a.Capabilities, types.ActionComplexity(n))
		}
	}
	return a, nil
}

// GormRegistry 把智能体持久化到 agents 表
type GormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry 创建基于 GORM 的注册表
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

// AutoMigrate 创建 agents 表
func (r *GormRegistry) AutoMigrate() error {
	return r.db.AutoMigrate(&agentModel{})
}

// Get 加载一个智能体。在支持行锁的数据库事务内，该行锁定到提交，
// 其他节点的变更因此串行。
func (r *GormRegistry) Get(ctx context.Context, id string) (*types.Agent, error) {
	q := database.Conn(ctx, r.db)
	if database.InTransaction(ctx) && r.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m agentModel
	if err := q.Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return m.toAgent()
}

func (r *GormRegistry) Create(ctx context.Context, agent *types.Agent) error {
	conn := database.Conn(ctx, r.db)
	var count int64
	if err := conn.Model(&agentModel{}).Where("id = ?", agent.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("create agent %s: %w", agent.ID, err)
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	if err := conn.Create(toModel(agent)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create agent %s: %w", agent.ID, err)
	}
	return nil
}

func (r *GormRegistry) Update(ctx context.Context, agent *types.Agent) error {
	m := toModel(agent)
	res := database.Conn(ctx, r.db).Model(&agentModel{}).Where("id = ?", agent.ID).Updates(map[string]any{
		"name":               m.Name,
		"tier":               m.Tier,
		"confidence_score":   m.ConfidenceScore,
		"episode_count":      m.EpisodeCount,
		"intervention_count": m.InterventionCount,
		"compliance_score":   m.ComplianceScore,
		"capabilities":       m.Capabilities,
		"config_version":     m.ConfigVersion,
		"active":             m.Active,
		"updated_at":         m.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update agent %s: %w", agent.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRegistry) List(ctx context.Context, f ListFilter) ([]*types.Agent, error) {
	q := database.Conn(ctx, r.db).Model(&agentModel{})
	if f.Tier != "" {
		q = q.Where("tier = ?", string(f.Tier))
	}
	if f.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []agentModel
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
