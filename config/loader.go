// =============================================================================
// 📦 AgentNet 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentnet.yaml").
//	    WithEnvPrefix("AGENTNET").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentNet 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Engine 工作流引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Agents 静态注册的 Agent 列表（只能通过 YAML 配置）
	Agents []AgentConfig `yaml:"agents" env:"-"`

	// AgentDefaults 对所有 Agent 生效的默认值
	AgentDefaults AgentDefaultsConfig `yaml:"agent_defaults" env:"AGENT_DEFAULTS"`

	// Redis 执行快照归档
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 工作流定义目录
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 允许的跨域来源，为空时不输出 CORS 头
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	// 每个客户端 IP 的请求速率（<=0 关闭限流）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// HMAC 签名密钥，为空时不启用 JWT 认证
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// API 端口的最大并发连接数（0 不限制）
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

// EngineConfig 工作流引擎配置
type EngineConfig struct {
	DefaultStepTimeout      time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	WaitPollInterval        time.Duration `yaml:"wait_poll_interval" env:"WAIT_POLL_INTERVAL"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	MaxLoopIterations       int           `yaml:"max_loop_iterations" env:"MAX_LOOP_ITERATIONS"`
	MaxConcurrentExecutions int           `yaml:"max_concurrent_executions" env:"MAX_CONCURRENT_EXECUTIONS"`
	QueueSize               int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 已结束执行在内存中保留的时长
	ExecutionRetention time.Duration `yaml:"execution_retention" env:"EXECUTION_RETENTION"`
	// 周期清理间隔（0 关闭）
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 启动时加载并监听的工作流定义目录（*.yaml / *.yml / *.json）
	DefinitionsDir string `yaml:"definitions_dir" env:"DEFINITIONS_DIR"`
	// 定义目录轮询间隔
	WatchInterval time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
}

// AgentConfig 单个 Agent 的静态配置，零值字段使用 AgentDefaults
type AgentConfig struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	URL                 string            `yaml:"url"`
	Capabilities        []string          `yaml:"capabilities"`
	Timeout             time.Duration     `yaml:"timeout"`
	RetryCount          int               `yaml:"retry_count"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval"`
	RateLimit           float64           `yaml:"rate_limit"`
	RateBurst           int               `yaml:"rate_burst"`
	Metadata            map[string]string `yaml:"metadata"`
}

// AgentDefaultsConfig Agent 默认值与分发策略
type AgentDefaultsConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	Timeout             time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryCount          int           `yaml:"retry_count" env:"RETRY_COUNT"`
	RetryDelay          time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// 连续分发失败多少次后直接标记为 OFFLINE（0 关闭）
	FailureThreshold int     `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RateLimit        float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst        int     `yaml:"rate_burst" env:"RATE_BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用执行快照归档
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 快照保留时长
	ArchiveTTL time.Duration `yaml:"archive_ttl" env:"ARCHIVE_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 是否启用持久化的工作流定义目录
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTNET",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载并校验配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().
		WithConfigPath(path).
		WithValidator((*Config).Validate).
		Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// ErrInvalidConfig 所有校验错误都包装此错误
var ErrInvalidConfig = errors.New("invalid config")

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	validPort := func(p int) bool { return p > 0 && p <= 65535 }

	// 服务器
	if !validPort(c.Server.HTTPPort) {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort != 0 && !validPort(c.Server.MetricsPort) {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server timeouts must be positive")
	}

	// 引擎
	if c.Engine.DefaultStepTimeout <= 0 {
		errs = append(errs, "engine.default_step_timeout must be positive")
	}
	if c.Engine.WaitPollInterval <= 0 {
		errs = append(errs, "engine.wait_poll_interval must be positive")
	}
	if c.Engine.MaxLoopIterations < 0 {
		errs = append(errs, "engine.max_loop_iterations must not be negative")
	}
	if c.Engine.MaxConcurrentExecutions <= 0 {
		errs = append(errs, "engine.max_concurrent_executions must be positive")
	}
	if c.Engine.QueueSize < 0 {
		errs = append(errs, "engine.queue_size must not be negative")
	}

	// Agent
	if c.AgentDefaults.Timeout <= 0 {
		errs = append(errs, "agent_defaults.timeout must be positive")
	}
	if c.AgentDefaults.HealthCheckInterval <= 0 {
		errs = append(errs, "agent_defaults.health_check_interval must be positive")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Sprintf("agents[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if strings.TrimSpace(a.URL) == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: url is required", i))
		}
		if a.Timeout < 0 || a.HealthCheckInterval < 0 {
			errs = append(errs, fmt.Sprintf("agents[%d]: timeouts must not be negative", i))
		}
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
