package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func newTestPool(t *testing.T) (*PoolManager, sqlmock.Sqlmock) {
	_, mock, gormDB := setupTestDB(t)
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)
	return manager, mock
}

func TestNewPoolManager(t *testing.T) {
	_, _, gormDB := setupTestDB(t)

	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, config, manager.config)
	assert.Equal(t, "postgres", manager.name)
	assert.Equal(t, "database", manager.Name())
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	manager, mock := newTestPool(t)
	ctx := context.Background()

	mock.ExpectPing()
	assert.NoError(t, manager.Check(ctx))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, manager.Ping(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_InTxCommit(t *testing.T) {
	manager, mock := newTestPool(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	var sawTx bool
	err := manager.InTx(context.Background(), func(ctx context.Context) error {
		_, sawTx = txFromContext(ctx)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawTx, "fn must observe the transaction through ctx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_InTxRollback(t *testing.T) {
	manager, mock := newTestPool(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := manager.InTx(context.Background(), func(context.Context) error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_InTxNestedReusesOuter(t *testing.T) {
	manager, mock := newTestPool(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := manager.InTx(context.Background(), func(ctx context.Context) error {
		outer, _ := txFromContext(ctx)
		return manager.InTx(ctx, func(inner context.Context) error {
			got, _ := txFromContext(inner)
			if got != outer {
				return errors.New("nested call opened a new transaction")
			}
			return nil
		})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_InTxRetry(t *testing.T) {
	manager, mock := newTestPool(t)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err := manager.InTxRetry(context.Background(), 3, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("ERROR: deadlock detected")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	manager, mock := newTestPool(t)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "close is idempotent")

	assert.ErrorIs(t, manager.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, manager.InTx(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_GetStats(t *testing.T) {
	manager, _ := newTestPool(t)

	stats := manager.GetStats()
	assert.Equal(t, 10, stats.MaxOpenConnections)
	assert.GreaterOrEqual(t, stats.OpenConnections, 0)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{errors.New("pq: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("database is locked"), true},
		{errors.New("duplicate key value violates unique constraint"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}

func TestConn_PrefersContextTx(t *testing.T) {
	_, _, gormDB := setupTestDB(t)
	tx := gormDB.Session(&gorm.Session{})

	ctx := ContextWithTx(context.Background(), tx)
	got, ok := txFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, tx, got)
	assert.NotNil(t, Conn(ctx, gormDB))

	_, ok = txFromContext(context.Background())
	assert.False(t, ok)

	var noop NoopTransactor
	called := false
	require.NoError(t, noop.InTx(context.Background(), func(context.Context) error { called = true; return nil }))
	assert.True(t, called)
}
