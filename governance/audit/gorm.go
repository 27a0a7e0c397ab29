package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentgov/internal/database"
	"github.com/BaSui01/agentgov/internal/keylock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordModel audit_records 表行
type recordModel struct {
	ID          string    `gorm:"primaryKey;size:36"`
	AgentID     string    `gorm:"size:128;not null;uniqueIndex:idx_audit_agent_seq,priority:1"`
	Seq         uint64    `gorm:"not null;uniqueIndex:idx_audit_agent_seq,priority:2"`
	EventType   string    `gorm:"size:64;not null;index"`
	Actor       string    `gorm:"size:128"`
	RefID       string    `gorm:"size:64;index"`
	BeforeState string    `gorm:"type:text"`
	AfterState  string    `gorm:"type:text"`
	At          time.Time `gorm:"not null;index"`
	PrevHash    string    `gorm:"size:64"`
	Hash        string    `gorm:"size:64;not null"`
}

func (recordModel) TableName() string { return "audit_records" }

func (m *recordModel) toRecord() *Record {
	r := &Record{
		ID:        m.ID,
		AgentID:   m.AgentID,
		Seq:       m.Seq,
		EventType: EventType(m.EventType),
		Actor:     m.Actor,
		RefID:     m.RefID,
		At:        m.At.UTC(),
		PrevHash:  m.PrevHash,
		Hash:      m.Hash,
	}
	if m.BeforeState != "" {
		r.BeforeState = []byte(m.BeforeState)
	}
	if m.AfterState != "" {
		r.AfterState = []byte(m.AfterState)
	}
	return r
}

func fromRecord(r *Record) *recordModel {
	return &recordModel{
		ID:          r.ID,
		AgentID:     r.AgentID,
		Seq:         r.Seq,
		EventType:   string(r.EventType),
		Actor:       r.Actor,
		RefID:       r.RefID,
		BeforeState: string(r.BeforeState),
		AfterState:  string(r.AfterState),
		At:          r.At,
		PrevHash:    r.PrevHash,
		Hash:        r.Hash,
	}
}

// GormLog 把审计轨迹持久化到 audit_records
type GormLog struct {
	db     *gorm.DB
	locks  *keylock.Locker
	logger *zap.Logger
	now    func() time.Time
}

// NewGormLog 创建基于 GORM 的审计日志
func NewGormLog(db *gorm.DB, logger *zap.Logger) *GormLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLog{
		db:     db,
		locks:  keylock.New(),
		logger: logger.With(zap.String("component", "audit")),
		now:    time.Now,
	}
}

// AutoMigrate 创建审计表，生产环境表结构来自 internal/migration
func (l *GormLog) AutoMigrate() error {
	return l.db.AutoMigrate(&recordModel{})
}

const maxAppendAttempts = 3

// Append 实现 Log。其他节点为同一智能体并发追加时表现为
// (agent_id, seq) 唯一索引冲突，随后重试。
func (l *GormLog) Append(ctx context.Context, e Entry) (*Record, error) {
	before, err := encodeState(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := encodeState(e.After)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(e.AgentID)
	defer unlock()

	attempts := maxAppendAttempts
	if database.InTransaction(ctx) {
		attempts = 1
	}

	for i := 0; ; i++ {
		rec := &Record{
			ID:          uuid.NewString(),
			AgentID:     e.AgentID,
			EventType:   e.EventType,
			Actor:       e.Actor,
			RefID:       e.RefID,
			BeforeState: before,
			AfterState:  after,
		}
		err = database.InTx(ctx, l.db, func(ctx context.Context) error {
			return l.appendTx(ctx, rec)
		})
		if err == nil {
			l.logger.Debug("audit record appended",
				zap.String("agent_id", rec.AgentID),
				zap.Uint64("seq", rec.Seq),
				zap.String("event", string(rec.EventType)),
			)
			return rec, nil
		}
		if i+1 >= attempts || !isUniqueViolation(err) {
			return nil, fmt.Errorf("append audit record: %w", err)
		}
	}
}

func (l *GormLog) appendTx(ctx context.Context, rec *Record) error {
	conn := database.Conn(ctx, l.db)

	var last recordModel
	err := conn.Where("agent_id = ?", rec.AgentID).Order("seq DESC").Limit(1).Take(&last).Error
	var prev *Record
	switch {
	case err == nil:
		prev = last.toRecord()
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return err
	}

	seal(rec, prev, l.now())
	return conn.Create(fromRecord(rec)).Error
}

// Query 实现 Log
func (l *GormLog) Query(ctx context.Context, f Filter) ([]*Record, error) {
	q := database.Conn(ctx, l.db).Model(&recordModel{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.RefID != "" {
		q = q.Where("ref_id = ?", f.RefID)
	}
	if len(f.EventTypes) > 0 {
		names := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			names[i] = string(et)
		}
		q = q.Where("event_type IN ?", names)
	}
	if f.AfterSeq > 0 {
		q = q.Where("seq > ?", f.AfterSeq)
	}
	if !f.Since.IsZero() {
		q = q.Where("at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("at <= ?", f.Until.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []recordModel
	if err := q.Order("agent_id ASC").Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	out := make([]*Record, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
