package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🔌 连接建立
// =============================================================================

// QueryMetrics receives per-statement latencies. *metrics.Collector implements it.
type QueryMetrics interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// OpenConfig 描述如何打开数据库
type OpenConfig struct {
	// 驱动: postgres, mysql, sqlite（纯 Go 实现，无需 cgo）
	Driver string
	// 连接串；sqlite 时为文件路径或 ":memory:"
	DSN string
	// 指标标签中的数据库名
	Name string
	// 超过该耗时的语句记录为 warn（0 关闭）
	SlowThreshold time.Duration
}

// Dialector 根据驱动名选择 GORM 方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open 打开数据库，GORM 日志转发到 zap，语句耗时写入 metrics
func Open(cfg OpenConfig, logger *zap.Logger, metrics QueryMetrics) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Driver
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger, cfg.Name, cfg.SlowThreshold, metrics),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// =============================================================================
// 📝 GORM → zap 日志适配
// =============================================================================

// GormLogger adapts gorm's logger to zap.
type GormLogger struct {
	logger        *zap.Logger
	level         gormlogger.LogLevel
	database      string
	slowThreshold time.Duration
	metrics       QueryMetrics
}

// NewGormLogger creates a gorm logger writing to logger at Warn level.
func NewGormLogger(logger *zap.Logger, database string, slow time.Duration, metrics QueryMetrics) *GormLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormLogger{
		logger:        logger.With(zap.String("component", "gorm"), zap.String("database", database)),
		level:         gormlogger.Warn,
		database:      database,
		slowThreshold: slow,
		metrics:       metrics,
	}
}

// LogMode returns a copy at the given level
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace records every statement's latency and logs failures and slow queries.
func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()
	if l.metrics != nil {
		l.metrics.RecordDBQuery(l.database, operation(sql), elapsed)
	}
	if l.level <= gormlogger.Silent {
		return
	}

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.logger.Error("query failed", append(fields, zap.Error(err))...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logger.Warn("slow query", append(fields, zap.Duration("threshold", l.slowThreshold))...)
	case l.level >= gormlogger.Info:
		l.logger.Debug("query", fields...)
	}
}

// operation extracts the leading SQL verb for metrics labels.
func operation(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexAny(sql, " \t\n("); i > 0 {
		sql = sql[:i]
	}
	op := strings.ToLower(sql)
	switch op {
	case "select", "insert", "update", "delete", "create", "alter", "drop", "begin", "commit", "rollback", "pragma":
		return op
	case "":
		return "unknown"
	default:
		return "other"
	}
}
