package database

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
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
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, Name: "catalog"}
}

type gaugeRecorder struct {
	calls      atomic.Int32
	open, idle atomic.Int32
}

func (g *gaugeRecorder) RecordDBConnections(_ string, open, idle int) {
	g.calls.Add(1)
	g.open.Store(int32(open))
	g.idle.Store(int32(idle))
}

func TestNewPoolManager(t *testing.T) {
	t.Parallel()

	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, gormDB, manager.DB())
	assert.Equal(t, 10, manager.GetStats().MaxOpenConnections)

	_, err = NewPoolManager(nil, testPoolConfig(), zap.NewNop())
	assert.Error(t, err)

	_, err = NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 2}, zap.NewNop())
	assert.ErrorContains(t, err, "invalid pool config")
}

func TestPoolManager_Ping(t *testing.T) {
	t.Parallel()

	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, manager.Ping(context.Background()), sql.ErrConnDone)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_HealthCheckRecordsGauges(t *testing.T) {
	t.Parallel()

	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	mock.ExpectPing()
	gauges := &gaugeRecorder{}
	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop(), WithPoolMetrics(gauges))
	require.NoError(t, err)

	manager.checkHealth()
	assert.Equal(t, int32(1), gauges.calls.Load())
	assert.GreaterOrEqual(t, gauges.open.Load(), int32(0))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	manager.checkHealth()
	assert.Equal(t, int32(1), gauges.calls.Load(), "failed checks leave gauges untouched")
}

func TestPoolManager_HealthLoopStopsOnClose(t *testing.T) {
	t.Parallel()

	mockDB, mock, gormDB := setupTestDB(t)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 50; i++ {
		mock.ExpectPing()
	}
	mock.ExpectClose()

	cfg := testPoolConfig()
	cfg.HealthCheckInterval = 5 * time.Millisecond
	gauges := &gaugeRecorder{}
	manager, err := NewPoolManager(gormDB, cfg, zap.NewNop(), WithPoolMetrics(gauges))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return gauges.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
	_ = mockDB

	assert.ErrorIs(t, manager.Ping(context.Background()), ErrPoolClosed)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	t.Parallel()

	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = manager.WithTransaction(context.Background(), func(tx *gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	t.Parallel()

	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	// 第一次死锁，第二次成功
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	attempts := 0
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// 不可重试的错误立即返回
	mock.ExpectBegin()
	mock.ExpectRollback()
	attempts = 0
	err = manager.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		return errors.New("unique constraint violated")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Closed(t *testing.T) {
	t.Parallel()

	mockDB, mock, gormDB := setupTestDB(t)
	_ = mockDB

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	assert.ErrorIs(t, manager.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}, false},
		{"defaults", DefaultPoolConfig(), false},
		{"zero open", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"zero idle", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
		{"negative lifetime", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 1, ConnMaxLifetime: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(errors.New("Deadlock found when trying to get lock")))
	assert.True(t, isRetryableError(errors.New("could not serialize access: SQLSTATE 40001")))
	assert.True(t, isRetryableError(errors.New("driver: bad connection")))
	assert.False(t, isRetryableError(errors.New("syntax error")))
}
