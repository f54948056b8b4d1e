package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"txguard/internal/config"
	"txguard/internal/decoder"
	"txguard/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// CallerHeader 由上游认证网关设置的调用方地址
const CallerHeader = "X-Caller-Address"

// StatsReporter 可上报运行统计的组件
type StatsReporter interface {
	GetStats() map[string]interface{}
}

// Server API服务器
type Server struct {
	registry   *registry.Registry
	config     *config.APIConfig
	logger     *logrus.Logger
	logManager *LogManager
	configs    *ConfigManager
	decoder    *decoder.PayloadDecoder
	reporters  map[string]StatsReporter
	gatherer   prometheus.Gatherer
	startedAt  time.Time

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// Option 服务器选项
type Option func(*Server)

// WithStatsReporter 在/api/v1/stats中附加组件统计
func WithStatsReporter(name string, reporter StatsReporter) Option {
	return func(s *Server) {
		if reporter != nil {
			s.reporters[name] = reporter
		}
	}
}

// WithGatherer 指定/metrics使用的指标来源
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithDatabaseConfig 启用数据库配置管理接口
func WithDatabaseConfig(dc *config.DatabaseConfig) Option {
	return func(s *Server) {
		if dc != nil {
			s.configs = NewConfigManager(dc, s.logger)
		}
	}
}

// WithDecoder 指定交易数据解码器
func WithDecoder(d *decoder.PayloadDecoder) Option {
	return func(s *Server) {
		if d != nil {
			s.decoder = d
		}
	}
}

// NewServer 创建新的API服务器
func NewServer(reg *registry.Registry, cfg *config.APIConfig, logger *logrus.Logger, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.GetDefaultConfig().API
	}

	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		registry:   reg,
		config:     cfg,
		logger:     logger,
		logManager: logManager,
		reporters:  make(map[string]StatsReporter),
		gatherer:   prometheus.DefaultGatherer,
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.decoder == nil {
		s.decoder = decoder.NewPayloadDecoder(nil, logger)
	}
	return s
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，阻塞直到服务器关闭
func (s *Server) Start() error {
	readTimeout, err := parseTimeout(s.config.ReadTimeout)
	if err != nil {
		return fmt.Errorf("api.read_timeout无效: %w", err)
	}
	writeTimeout, err := parseTimeout(s.config.WriteTimeout)
	if err != nil {
		return fmt.Errorf("api.write_timeout无效: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.server = server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.config.Port)
	if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.stopped = true
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	s.logger.Info("API服务器正在关闭")
	return server.Shutdown(ctx)
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/stats", s.getStats)
		api.GET("/logs", s.getLogs)

		api.GET("/entries/:id", s.getEntry)
		api.GET("/entries/:id/alerts", s.getAlerts)
		api.GET("/entries/:id/decoded", s.decodeEntry)
	}

	// 写操作需要调用方身份
	write := api.Group("", s.requireCaller())
	{
		write.POST("/entries", s.registerPendingTx)
		write.DELETE("/entries/:id", s.removePendingTx)
		write.POST("/entries/:id/alerts", s.raiseAlert)
		write.POST("/entries/:id/protect", s.markProtected)
		write.POST("/deposits", s.deposit)
	}

	admin := write.Group("/admin")
	{
		admin.POST("/pause", s.pause)
		admin.POST("/unpause", s.unpause)
		admin.PUT("/oracle", s.setOracle)
		admin.PUT("/owner", s.transferOwnership)
		admin.POST("/withdraw", s.withdraw)
		admin.DELETE("/stats/errors", s.requireOwner(), s.clearErrorStats)

		if s.configs != nil {
			admin.GET("/config/:type", s.requireOwner(), s.configs.GetConfig)
			admin.PUT("/config/:type", s.requireOwner(), s.configs.UpdateConfig)
		}
	}
}

// requestLogger 以logrus记录请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("API请求")
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "txguard-api",
	})
}

// getStatus 获取登记簿状态
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Status())
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	errStats := s.registry.ErrorStats()
	stats := gin.H{
		"uptime":              time.Since(s.startedAt).String(),
		"errors":              errStats,
		"error_rate_per_hour": errStats.GetErrorRate(time.Hour),
	}
	for name, reporter := range s.reporters {
		stats[name] = reporter.GetStats()
	}
	c.JSON(http.StatusOK, stats)
}
