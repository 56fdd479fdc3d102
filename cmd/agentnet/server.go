package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentnet/agent"
	"github.com/BaSui01/agentnet/api/handlers"
	"github.com/BaSui01/agentnet/config"
	"github.com/BaSui01/agentnet/events"
	"github.com/BaSui01/agentnet/internal/archive"
	"github.com/BaSui01/agentnet/internal/catalog"
	"github.com/BaSui01/agentnet/internal/database"
	"github.com/BaSui01/agentnet/internal/metrics"
	"github.com/BaSui01/agentnet/internal/server"
	"github.com/BaSui01/agentnet/internal/telemetry"
	"github.com/BaSui01/agentnet/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 AgentNet 的全部组件：Agent 网络、工作流引擎、存储与两个 HTTP 端口
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector
	bus       *events.Bus

	manager *agent.AgentManager
	engine  *workflow.WorkflowEngine

	archive *archive.RedisExecutionStore
	pool    *database.PoolManager
	watcher *config.DefinitionWatcher

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 定义文件路径 → 工作流 ID，用于删除文件时注销
	filesMu sync.Mutex
	files   map[string]string

	cancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
		files:     make(map[string]string),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化并启动所有组件，返回时 HTTP 端口已在监听
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.collector = metrics.NewCollector("agentnet", s.logger)
	s.bus = events.NewBus(s.logger)

	if err := s.initAgents(ctx); err != nil {
		return fmt.Errorf("failed to init agent network: %w", err)
	}
	if err := s.initStores(ctx); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}
	if err := s.initEngine(ctx); err != nil {
		return fmt.Errorf("failed to init workflow engine: %w", err)
	}
	if err := s.initDefinitionsDir(ctx); err != nil {
		return fmt.Errorf("failed to load definitions dir: %w", err)
	}
	s.registerRuntimeGauges()
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Int("agents", len(s.manager.ListAgents())),
		zap.Int("workflows", len(s.engine.ListWorkflows())),
	)
	return nil
}

// Errors 返回 API 服务器的异步错误
func (s *Server) Errors() <-chan error {
	return s.httpManager.Errors()
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initAgents(ctx context.Context) error {
	d := s.cfg.AgentDefaults
	mcfg := agent.DefaultManagerConfig()
	if d.Timeout > 0 {
		mcfg.DefaultTimeout = d.Timeout
	}
	if d.HealthCheckInterval > 0 {
		mcfg.DefaultHealthCheckInterval = d.HealthCheckInterval
	}
	if d.RetryDelay > 0 {
		mcfg.RetryDelay = d.RetryDelay
	}
	mcfg.FailureThreshold = d.FailureThreshold

	agents := make([]agent.AgentInfo, 0, len(s.cfg.Agents))
	for _, a := range s.cfg.Agents {
		info := agent.AgentInfo{
			ID:                  a.ID,
			Name:                a.Name,
			URL:                 a.URL,
			Capabilities:        a.Capabilities,
			Timeout:             a.Timeout,
			RetryCount:          a.RetryCount,
			HealthCheckInterval: a.HealthCheckInterval,
			RateLimit:           a.RateLimit,
			RateBurst:           a.RateBurst,
			Metadata:            a.Metadata,
		}
		if info.RetryCount == 0 {
			info.RetryCount = d.RetryCount
		}
		if info.RateLimit == 0 {
			info.RateLimit = d.RateLimit
			info.RateBurst = d.RateBurst
		}
		agents = append(agents, info)
	}

	manager, err := agent.NewAgentManager(mcfg, agents, s.logger,
		agent.WithMetrics(s.collector),
		agent.WithEventBus(s.bus),
	)
	if err != nil {
		return err
	}
	s.manager = manager
	return manager.Start(ctx)
}

func (s *Server) initStores(ctx context.Context) error {
	if rc := s.cfg.Redis; rc.Enabled {
		acfg := archive.DefaultConfig()
		acfg.Addr = rc.Addr
		acfg.Password = rc.Password
		acfg.DB = rc.DB
		if rc.PoolSize > 0 {
			acfg.PoolSize = rc.PoolSize
		}
		if rc.MinIdleConns > 0 {
			acfg.MinIdleConns = rc.MinIdleConns
		}
		if rc.KeyPrefix != "" {
			acfg.KeyPrefix = rc.KeyPrefix
		}
		if rc.ArchiveTTL > 0 {
			acfg.TTL = rc.ArchiveTTL
		}
		store, err := archive.NewRedisExecutionStore(acfg, s.logger, archive.WithMetrics(s.collector))
		if err != nil {
			return fmt.Errorf("redis archive: %w", err)
		}
		s.archive = store
	}

	if dc := s.cfg.Database; dc.Enabled {
		db, err := database.Open(database.OpenConfig{
			Driver: dc.Driver,
			DSN:    dc.DSN(),
			Name:   dc.Name,
		}, s.logger, s.collector)
		if err != nil {
			return err
		}

		pcfg := database.DefaultPoolConfig()
		if dc.MaxOpenConns > 0 {
			pcfg.MaxOpenConns = dc.MaxOpenConns
		}
		if dc.MaxIdleConns > 0 {
			pcfg.MaxIdleConns = dc.MaxIdleConns
		}
		if dc.ConnMaxLifetime > 0 {
			pcfg.ConnMaxLifetime = dc.ConnMaxLifetime
		}
		pool, err := database.NewPoolManager(db, pcfg, s.logger, database.WithPoolMetrics(s.collector))
		if err != nil {
			return err
		}
		s.pool = pool
	}
	return nil
}

// registerRuntimeGauges 将引擎执行器、事件总线与数据库连接池的统计挂到 /metrics
func (s *Server) registerRuntimeGauges() {
	engineStat := func(key string) func() float64 {
		return func() float64 { return float64(s.engine.Stats()[key]) }
	}
	s.collector.ObserveGauge("workflow_runners_active", "Executions currently holding a runner", engineStat("runners_active"))
	s.collector.ObserveGauge("workflow_runners_queued", "Executions waiting for a runner", engineStat("runners_queued"))
	s.collector.ObserveCounter("workflow_runners_rejected_total", "Executions rejected because every runner was busy", engineStat("runners_rejected"))
	s.collector.ObserveCounter("events_published_total", "Events published on the bus", engineStat("events_published"))
	s.collector.ObserveCounter("events_dropped_total", "Events dropped for slow subscribers", engineStat("events_dropped"))

	if s.pool != nil {
		s.collector.ObserveGauge("db_connections_in_use", "Database connections currently in use", func() float64 {
			return float64(s.pool.GetStats().InUse)
		})
		s.collector.ObserveCounter("db_connection_waits_total", "Times a query waited for a free connection", func() float64 {
			return float64(s.pool.GetStats().WaitCount)
		})
	}
}

func (s *Server) initEngine(ctx context.Context) error {
	ec := s.cfg.Engine
	wcfg := workflow.DefaultEngineConfig()
	if ec.DefaultStepTimeout > 0 {
		wcfg.DefaultStepTimeout = ec.DefaultStepTimeout
	}
	if ec.WaitPollInterval > 0 {
		wcfg.WaitPollInterval = ec.WaitPollInterval
	}
	if ec.RetryBaseDelay > 0 {
		wcfg.RetryBaseDelay = ec.RetryBaseDelay
	}
	if ec.MaxLoopIterations > 0 {
		wcfg.MaxLoopIterations = ec.MaxLoopIterations
	}
	if ec.MaxConcurrentExecutions > 0 {
		wcfg.MaxConcurrentExecutions = ec.MaxConcurrentExecutions
	}
	if ec.QueueSize > 0 {
		wcfg.QueueSize = ec.QueueSize
	}
	if ec.ExecutionRetention > 0 {
		wcfg.ExecutionRetention = ec.ExecutionRetention
	}
	wcfg.CleanupInterval = ec.CleanupInterval

	opts := []workflow.Option{
		workflow.WithMetrics(s.collector),
		workflow.WithEventBus(s.bus),
	}
	if s.archive != nil {
		opts = append(opts, workflow.WithExecutionStore(s.archive))
	}
	if s.pool != nil {
		repo := catalog.NewDefinitionRepository(s.pool, s.logger)
		if err := repo.Migrate(ctx); err != nil {
			return fmt.Errorf("definition catalog migrate: %w", err)
		}
		opts = append(opts, workflow.WithDefinitionStore(repo))
	}

	s.engine = workflow.NewEngine(s.manager, wcfg, s.logger, opts...)

	n, err := s.engine.LoadDefinitions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Workflow definitions restored", zap.Int("count", n))
	}
	return nil
}

// initDefinitionsDir 注册目录中的定义文件并开始监听变更
func (s *Server) initDefinitionsDir(ctx context.Context) error {
	dir := s.cfg.Engine.DefinitionsDir
	if dir == "" {
		return nil
	}

	files, err := config.ScanDefinitionFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		s.registerFile(ctx, path)
	}

	opts := []config.WatcherOption{config.WithWatcherLogger(s.logger)}
	if s.cfg.Engine.WatchInterval > 0 {
		opts = append(opts, config.WithPollInterval(s.cfg.Engine.WatchInterval))
	}
	watcher, err := config.NewDefinitionWatcher(dir, opts...)
	if err != nil {
		return err
	}
	watcher.OnChange(func(evs []config.FileEvent) {
		for _, ev := range evs {
			if ev.Op == config.FileOpRemove {
				s.unregisterFile(ctx, ev.Path)
				continue
			}
			s.registerFile(ctx, ev.Path)
		}
	})
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	s.watcher = watcher
	return nil
}

// registerFile 加载并注册一个定义文件；解析失败只记录日志，保留旧版本
func (s *Server) registerFile(ctx context.Context, path string) {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		s.logger.Error("Invalid workflow definition file", zap.String("path", path), zap.Error(err))
		return
	}

	s.filesMu.Lock()
	previous, had := s.files[path]
	s.files[path] = def.ID
	s.filesMu.Unlock()

	if had && previous != def.ID {
		if err := s.engine.UnregisterWorkflow(ctx, previous); err != nil && !errors.Is(err, workflow.ErrWorkflowNotFound) {
			s.logger.Warn("Failed to unregister renamed workflow", zap.String("workflow_id", previous), zap.Error(err))
		}
	}
	if err := s.engine.RegisterWorkflow(ctx, def); err != nil {
		s.logger.Error("Failed to register workflow", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("Workflow definition loaded", zap.String("path", path), zap.String("workflow_id", def.ID))
}

func (s *Server) unregisterFile(ctx context.Context, path string) {
	s.filesMu.Lock()
	id, ok := s.files[path]
	delete(s.files, path)
	s.filesMu.Unlock()
	if !ok {
		return
	}
	if err := s.engine.UnregisterWorkflow(ctx, id); err != nil && !errors.Is(err, workflow.ErrWorkflowNotFound) {
		s.logger.Warn("Failed to unregister workflow", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	s.logger.Info("Workflow definition removed", zap.String("path", path), zap.String("workflow_id", id))
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(Version, s.logger)
	health.RegisterCheck(handlers.NewAgentNetworkCheck(s.manager, 0.5))
	if s.archive != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", s.archive.Ping))
	}
	if s.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}
	handlers.RegisterHealth(mux, health)

	api := &handlers.API{
		Workflows:  handlers.NewWorkflowHandler(s.engine, s.logger),
		Executions: handlers.NewExecutionHandler(s.engine, s.logger),
		Agents:     handlers.NewAgentHandler(s.manager, s.logger),
		Events:     handlers.NewEventsHandler(s.bus, s.cfg.Server.CORSOrigins, s.logger),
	}
	api.Register(mux)

	mwCfg := middlewareConfig{
		CORSOrigins:    s.cfg.Server.CORSOrigins,
		RateLimitRPS:   s.cfg.Server.RateLimitRPS,
		RateLimitBurst: s.cfg.Server.RateLimitBurst,
		JWTSecret:      s.cfg.Server.JWTSecret,
	}
	s.logger.Debug("Middleware configured", zap.Stringer("middleware", mwCfg))

	s.httpManager = server.NewManager(apiHandler(ctx, mux, mwCfg, s.collector, s.logger), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		MaxConnections:  s.cfg.Server.MaxConnections,
	}, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 按启动的逆序关闭：先停止接收请求，再停引擎与 Agent 网络，最后释放存储
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("Starting graceful shutdown...")

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.engine != nil {
		if err := s.engine.Shutdown(ctx); err != nil {
			s.logger.Error("Workflow engine shutdown error", zap.Error(err))
		}
	}
	if s.manager != nil {
		if err := s.manager.Stop(ctx); err != nil {
			s.logger.Error("Agent manager shutdown error", zap.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Error("Redis archive close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database pool close error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.logger.Info("Graceful shutdown completed")
}
