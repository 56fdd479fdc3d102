// =============================================================================
// 📦 AgentNet 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Engine:        DefaultEngineConfig(),
		AgentDefaults: DefaultAgentDefaultsConfig(),
		Redis:         DefaultRedisConfig(),
		Database:      DefaultDatabaseConfig(),
		Log:           DefaultLogConfig(),
		Telemetry:     DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultStepTimeout:      5 * time.Minute,
		WaitPollInterval:        time.Second,
		RetryBaseDelay:          time.Second,
		MaxLoopIterations:       1000,
		MaxConcurrentExecutions: 100,
		QueueSize:               1000,
		ExecutionRetention:      24 * time.Hour,
		CleanupInterval:         time.Hour,
		WatchInterval:           2 * time.Second,
	}
}

// DefaultAgentDefaultsConfig 返回默认 Agent 策略
func DefaultAgentDefaultsConfig() AgentDefaultsConfig {
	return AgentDefaultsConfig{
		HealthCheckInterval: 30 * time.Second,
		Timeout:             30 * time.Second,
		RetryCount:          0,
		RetryDelay:          500 * time.Millisecond,
		FailureThreshold:    3,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agentnet:",
		ArchiveTTL:   7 * 24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:         false,
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentnet",
		Name:            "agentnet",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentnet",
		SampleRate:   0.1,
	}
}
