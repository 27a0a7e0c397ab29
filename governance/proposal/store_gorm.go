package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/types"
	"gorm.io/gorm"
)

type proposalModel struct {
	ID             string     `gorm:"primaryKey;size:64"`
	AgentID        string     `gorm:"size:128;not null;index"`
	Request        string     `gorm:"type:text;not null"`
	Tier           string     `gorm:"size:16;not null"`
	Status         string     `gorm:"size:16;not null;index:idx_proposals_status_expires,priority:1"`
	CreatedAt      time.Time  `gorm:"not null"`
	ExpiresAt      time.Time  `gorm:"not null;index:idx_proposals_status_expires,priority:2"`
	DecidedAt      *time.Time
	DecidedBy      string `gorm:"size:128"`
	Comment        string `gorm:"type:text"`
	DispatchHandle string `gorm:"size:128"`
}

func (proposalModel) TableName() string { return "proposals" }

func (m *proposalModel) toProposal() (*Proposal, error) {
	var req types.ActionRequest
	if err := json.Unmarshal([]byte(m.Request), &req); err != nil {
		return nil, fmt.Errorf("decode proposal %s request: %w", m.ID, err)
	}
	return &Proposal{
		ID:             m.ID,
		AgentID:        m.AgentID,
		Request:        req,
		Tier:           types.MaturityTier(m.Tier),
		Status:         Status(m.Status),
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		DecidedAt:      m.DecidedAt,
		DecidedBy:      m.DecidedBy,
		Comment:        m.Comment,
		DispatchHandle: m.DispatchHandle,
	}, nil
}

// GormStore 把提案持久化到 proposals 表
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建基于 GORM 的存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建表，生产环境表结构来自迁移
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&proposalModel{})
}

func (s *GormStore) Create(ctx context.Context, p *Proposal) error {
	req, err := json.Marshal(p.Request)
	if err != nil {
		return fmt.Errorf("encode proposal %s request: %w", p.ID, err)
	}
	m := &proposalModel{
		ID:             p.ID,
		AgentID:        p.AgentID,
		Request:        string(req),
		Tier:           string(p.Tier),
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt.UTC(),
		ExpiresAt:      p.ExpiresAt.UTC(),
		DecidedAt:      p.DecidedAt,
		DecidedBy:      p.DecidedBy,
		Comment:        p.Comment,
		DispatchHandle: p.DispatchHandle,
	}
	if err := database.Conn(ctx, s.db).Create(m).Error; err != nil {
		return fmt.Errorf("create proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Proposal, error) {
	var m proposalModel
	if err := database.Conn(ctx, s.db).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return m.toProposal()
}

func (s *GormStore) List(ctx context.Context, f ListFilter) ([]*Proposal, error) {
	q := database.Conn(ctx, s.db).Model(&proposalModel{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if !f.ExpiresBefore.IsZero() {
		q = q.Where("expires_at < ?", f.ExpiresBefore.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []proposalModel
	if err := q.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]*Proposal, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toProposal()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CompareAndSwapStatus 是带 WHERE status = from 的条件 UPDATE，
// 不同节点上的并发决定不会互相覆盖。
func (s *GormStore) CompareAndSwapStatus(ctx context.Context, id string, from Status, t Transition) (bool, error) {
	at := t.DecidedAt.UTC()
	res := database.Conn(ctx, s.db).Model(&proposalModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(t.Status),
			"decided_at": &at,
			"decided_by": t.DecidedBy,
			"comment":    t.Comment,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update proposal %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *GormStore) SetDispatchHandle(ctx context.Context, id, handle string) error {
	res := database.Conn(ctx, s.db).Model(&proposalModel{}).Where("id = ?", id).Update("dispatch_handle", handle)
	if res.Error != nil {
		return fmt.Errorf("set dispatch handle %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
