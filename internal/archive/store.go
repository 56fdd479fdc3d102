package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/workflow"
)

// =============================================================================
// 💾 Redis 执行快照归档
// =============================================================================

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("execution archive is closed")

// storeLabel is the metrics label for this store.
const storeLabel = "redis"

// Metrics receives archive lookups. *metrics.Collector implements it.
type Metrics interface {
	RecordArchiveHit(store string)
	RecordArchiveMiss(store string)
}

// Config 归档配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 快照保留时长（0 表示永不过期）
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 健康检查间隔（0 关闭）
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认归档配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		KeyPrefix:           "agentnet:",
		TTL:                 7 * 24 * time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// RedisExecutionStore archives execution snapshots in Redis.
type RedisExecutionStore struct {
	redis   *redis.Client
	config  Config
	logger  *zap.Logger
	metrics Metrics

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures the store.
type Option func(*RedisExecutionStore)

// WithMetrics records archive hits and misses.
func WithMetrics(m Metrics) Option {
	return func(s *RedisExecutionStore) { s.metrics = m }
}

var _ workflow.ExecutionStore = (*RedisExecutionStore)(nil)

// NewRedisExecutionStore 连接 Redis 并创建归档
func NewRedisExecutionStore(config Config, logger *zap.Logger, opts ...Option) (*RedisExecutionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, config, logger, opts...), nil
}

// NewWithClient wraps an existing client; the store owns it afterwards.
func NewWithClient(client *redis.Client, config Config, logger *zap.Logger, opts ...Option) *RedisExecutionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisExecutionStore{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "execution_archive")),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go s.healthCheckLoop()
	}

	s.logger.Info("execution archive initialized",
		zap.String("addr", client.Options().Addr),
		zap.Duration("ttl", config.TTL),
	)
	return s
}

// =============================================================================
// 🎯 ExecutionStore 实现
// =============================================================================

func (s *RedisExecutionStore) snapshotKey(id string) string {
	return s.config.KeyPrefix + "execution:" + id
}

func (s *RedisExecutionStore) allKey() string {
	return s.config.KeyPrefix + "executions:all"
}

func (s *RedisExecutionStore) userKey(userID string) string {
	return s.config.KeyPrefix + "executions:user:" + userID
}

// Save writes the snapshot and indexes it by start time.
func (s *RedisExecutionStore) Save(ctx context.Context, snap *workflow.ExecutionSnapshot) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	member := redis.Z{Score: float64(snap.StartTime.UnixNano()), Member: snap.ExecutionID}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(snap.ExecutionID), data, s.config.TTL)
		pipe.ZAdd(ctx, s.allKey(), member)
		if snap.UserID != "" {
			pipe.ZAdd(ctx, s.userKey(snap.UserID), member)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("archive save failed", zap.String("execution_id", snap.ExecutionID), zap.Error(err))
		return fmt.Errorf("archive save failed: %w", err)
	}
	return nil
}

// Get returns the archived snapshot or an error wrapping
// workflow.ErrExecutionNotFound.
func (s *RedisExecutionStore) Get(ctx context.Context, executionID string) (*workflow.ExecutionSnapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.redis.Get(ctx, s.snapshotKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.recordMiss()
		return nil, fmt.Errorf("%w: %s", workflow.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive get failed: %w", err)
	}

	var snap workflow.ExecutionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	s.recordHit()
	return &snap, nil
}

// List returns the newest snapshots for userID, or for everyone when
// userID is empty. limit <= 0 means no limit.
func (s *RedisExecutionStore) List(ctx context.Context, userID string, limit int) ([]workflow.ExecutionSnapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	index := s.allKey()
	if userID != "" {
		index = s.userKey(userID)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.redis.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("archive list failed: %w", err)
	}
	if len(ids) == 0 {
		return []workflow.ExecutionSnapshot{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.snapshotKey(id)
	}
	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("archive list failed: %w", err)
	}

	result := make([]workflow.ExecutionSnapshot, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap workflow.ExecutionSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.logger.Warn("skipping corrupt snapshot", zap.String("execution_id", ids[i]), zap.Error(err))
			continue
		}
		result = append(result, snap)
	}

	// 快照已过期，清理索引
	if len(stale) > 0 {
		if err := s.redis.ZRem(ctx, index, stale...).Err(); err != nil {
			s.logger.Debug("failed to prune archive index", zap.Error(err))
		}
	}
	return result, nil
}

// Delete removes the snapshot and its index entries. Unknown ids are not an error.
func (s *RedisExecutionStore) Delete(ctx context.Context, executionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var userID string
	if data, err := s.redis.Get(ctx, s.snapshotKey(executionID)).Bytes(); err == nil {
		var snap workflow.ExecutionSnapshot
		if json.Unmarshal(data, &snap) == nil {
			userID = snap.UserID
		}
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.snapshotKey(executionID))
		pipe.ZRem(ctx, s.allKey(), executionID)
		if userID != "" {
			pipe.ZRem(ctx, s.userKey(userID), executionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive delete failed: %w", err)
	}
	return nil
}

// Ping 检查 Redis 连接
func (s *RedisExecutionStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.redis.Ping(ctx).Err()
}

// Close 停止健康检查并关闭连接
func (s *RedisExecutionStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("closing execution archive")
	return s.redis.Close()
}

func (s *RedisExecutionStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *RedisExecutionStore) recordHit() {
	if s.metrics != nil {
		s.metrics.RecordArchiveHit(storeLabel)
	}
}

func (s *RedisExecutionStore) recordMiss() {
	if s.metrics != nil {
		s.metrics.RecordArchiveMiss(storeLabel)
	}
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (s *RedisExecutionStore) healthCheckLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.redis.Ping(ctx).Err(); err != nil {
				s.logger.Error("archive health check failed", zap.Error(err))
			} else {
				s.logger.Debug("archive health check passed")
			}
			cancel()
		}
	}
}
