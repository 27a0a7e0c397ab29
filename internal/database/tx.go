package database

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// ContextWithTx 将事务绑定到 ctx
func ContextWithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// Conn 返回 ctx 中的事务，否则返回 db；结果已绑定 ctx
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := txFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// InTx 在 db 上开启事务执行 fn；ctx 已有事务时直接复用。
// 供没有 PoolManager 的场景（测试、嵌入式 SQLite）使用。
func InTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ContextWithTx(ctx, tx))
	})
}

// Transactor 在一个原子单元中执行 fn
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// GormTransactor 基于裸 *gorm.DB 的 Transactor
type GormTransactor struct {
	DB *gorm.DB
}

// InTx 实现 Transactor
func (t GormTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return InTx(ctx, t.DB, fn)
}

// NoopTransactor 直接执行 fn，用于内存存储
type NoopTransactor struct{}

// InTx 实现 Transactor
func (NoopTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// InTransaction reports whether ctx carries a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := txFromContext(ctx)
	return ok
}
