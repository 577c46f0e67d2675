package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"tankwatch/internal/alerting"
	"tankwatch/internal/bus"
	"tankwatch/internal/cache"
	"tankwatch/internal/config"
	"tankwatch/internal/gateway"
	"tankwatch/internal/httpapi"
	"tankwatch/internal/recharge"
	"tankwatch/internal/repository"
	"tankwatch/internal/simulator"
)

// MonitorService 监控服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	eventBus      *bus.Bus
	tanksRepo     *repository.TanksRepository
	alertsRepo    *repository.AlertsRepository
	realtimeCache *cache.RealtimeCache
	simulator     *simulator.Simulator
	alertEngine   *alerting.Engine
	notifier      *alerting.MQTTNotifier
	wsGateway     *gateway.Gateway
	httpServer    *http.Server
}

// NewMonitorService 创建监控服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdle)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建事件总线
	eventBus := bus.New(logger)

	// 4. 创建 Repository 层
	tanksRepo := repository.NewTanksRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)

	// 5. 创建缓存层
	realtimeCache := cache.NewRealtimeCache(cfg, redisClient, logger)

	// 6. 创建模拟器
	sim := simulator.New(cfg, tanksRepo, realtimeCache, eventBus, logger)

	// 7. 创建告警引擎（MQTT 通知可选）
	var notifier *alerting.MQTTNotifier
	var engineNotifier alerting.Notifier
	if cfg.MQTT.Enabled {
		notifier, err = alerting.NewMQTTNotifier(&cfg.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt notifier: %w", err)
		}
		engineNotifier = notifier
	}

	rechargeClient := recharge.NewClient(cfg.Recharge.BaseURL, logger)
	alertEngine := alerting.New(cfg, alertsRepo, tanksRepo, rechargeClient, eventBus, engineNotifier, logger)

	// 8. 创建 WebSocket 网关
	verifier := gateway.NewRedisTokenVerifier(cfg, redisClient, logger)
	hub := gateway.NewHub(logger)
	wsGateway := gateway.New(cfg, hub, verifier, logger)

	// 9. 创建 HTTP 路由
	router := httpapi.NewRouter(cfg, sim, alertsRepo, realtimeCache, verifier, wsGateway.HandleWS, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return &MonitorService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		eventBus:      eventBus,
		tanksRepo:     tanksRepo,
		alertsRepo:    alertsRepo,
		realtimeCache: realtimeCache,
		simulator:     sim,
		alertEngine:   alertEngine,
		notifier:      notifier,
		wsGateway:     wsGateway,
		httpServer:    httpServer,
	}, nil
}

// Start 启动服务
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	// 告警引擎与网关先于模拟器订阅，不丢首批读数
	if err := s.alertEngine.Start(s.eventBus); err != nil {
		return fmt.Errorf("failed to start alert engine: %w", err)
	}
	if err := s.wsGateway.Start(s.eventBus); err != nil {
		return fmt.Errorf("failed to start websocket gateway: %w", err)
	}

	if s.config.Simulation.Enabled {
		if err := s.simulator.StartAllSimulations(ctx); err != nil {
			return fmt.Errorf("failed to start simulations: %w", err)
		}
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Stop 停止服务（与启动相反的顺序收尾）
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown http server",
			zap.Error(err),
		)
	}

	s.simulator.StopAllSimulations()
	s.alertEngine.Stop()
	s.wsGateway.Stop()
	s.eventBus.Close()

	if s.notifier != nil {
		s.notifier.Close()
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
