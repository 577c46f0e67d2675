package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tankwatch/internal/bus"
	"tankwatch/internal/config"
	"tankwatch/internal/models"
	"tankwatch/internal/recharge"
)

// AlertStore 告警存储的窄依赖（由 repository.AlertsRepository 实现）
type AlertStore interface {
	GetActiveAlert(ctx context.Context, tankID string, alertType models.AlertType) (*models.Alert, error)
	CreateAlert(ctx context.Context, alert *models.Alert) error
}

// TankLoader 储罐查询（危急告警触发补给时需要容量信息）
type TankLoader interface {
	GetTank(ctx context.Context, tankID string) (*models.Tank, error)
}

// RechargeScheduler 自动补给调度（由 recharge.Client 实现）
type RechargeScheduler interface {
	ScheduleAutomatic(tank *models.Tank) (*recharge.ScheduleResponse, error)
}

// Publisher 告警事件发布接口（由 bus.Bus 实现）
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Notifier 对外通知通道（MQTT），可为 nil
type Notifier interface {
	NotifyAlert(payload models.AlertPayload)
}

const subscriberID = "alerting-engine"

// Engine 告警引擎
// 订阅读数事件，按阈值分级产生告警；同一储罐同一类型只要存在
// active 告警就不重复创建（按 tank_id 串行评估保证去重）
type Engine struct {
	config    *config.Config
	store     AlertStore
	tanks     TankLoader
	recharge  RechargeScheduler
	publisher Publisher
	notifier  Notifier
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // 按 tank_id 的评估锁

	eventBus *bus.Bus
	done     chan struct{}
}

// New 创建告警引擎；notifier 与 rechargeScheduler 可为 nil
func New(
	cfg *config.Config,
	store AlertStore,
	tanks TankLoader,
	rechargeScheduler RechargeScheduler,
	publisher Publisher,
	notifier Notifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:    cfg,
		store:     store,
		tanks:     tanks,
		recharge:  rechargeScheduler,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Start 订阅读数事件并启动消费循环
func (e *Engine) Start(eventBus *bus.Bus) error {
	ch, err := eventBus.Subscribe(subscriberID, 256, bus.TopicReading)
	if err != nil {
		return fmt.Errorf("failed to subscribe to readings: %w", err)
	}

	e.eventBus = eventBus
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		for event := range ch {
			reading, ok := event.Payload.(models.SensorReading)
			if !ok {
				e.logger.Warn("Ignoring unexpected reading payload",
					zap.String("topic", event.Topic),
				)
				continue
			}
			e.Evaluate(context.Background(), &reading)
		}
	}()

	e.logger.Info("Alerting engine started",
		zap.Float64("low_threshold", e.config.Alert.LowThreshold),
		zap.Float64("critical_threshold", e.config.Alert.CriticalThreshold),
	)
	return nil
}

// Stop 取消订阅并等待消费循环退出
func (e *Engine) Stop() {
	if e.eventBus == nil {
		return
	}
	e.eventBus.Unsubscribe(subscriberID)
	<-e.done
	e.logger.Info("Alerting engine stopped")
}

// tankLock 同一储罐的评估串行化，防止并发读数重复建告警
func (e *Engine) tankLock(tankID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[tankID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[tankID] = l
	}
	return l
}

// Evaluate 评估一条读数
// 危急区间优先于低液位区间，每条读数最多产生一条告警
func (e *Engine) Evaluate(ctx context.Context, reading *models.SensorReading) {
	p := reading.LevelPercentage

	switch {
	case p <= e.config.Alert.CriticalThreshold:
		e.raise(ctx, reading, models.AlertTypeCriticalLevel, models.AlertSeverityCritical,
			e.config.Alert.CriticalThreshold, bus.TopicAlertCritical)
	case p <= e.config.Alert.LowThreshold:
		e.raise(ctx, reading, models.AlertTypeLowLevel, models.AlertSeverityWarning,
			e.config.Alert.LowThreshold, bus.TopicAlertLow)
	}
	// 回升不自动恢复：active 告警由运营人员确认/解决后才会重新武装
}

// raise 去重后创建告警并发布
func (e *Engine) raise(
	ctx context.Context,
	reading *models.SensorReading,
	alertType models.AlertType,
	severity models.AlertSeverity,
	threshold float64,
	topic string,
) {
	l := e.tankLock(reading.TankID)
	l.Lock()
	defer l.Unlock()

	existing, err := e.store.GetActiveAlert(ctx, reading.TankID, alertType)
	if err != nil {
		e.logger.Error("Failed to check active alert",
			zap.String("tank_id", reading.TankID),
			zap.String("alert_type", string(alertType)),
			zap.Error(err),
		)
		return
	}
	if existing != nil {
		// 已有同类型 active 告警，去重
		return
	}

	message := alertMessage(alertType, reading.TankID, reading.LevelPercentage)
	alert := &models.Alert{
		AlertID:         uuid.New().String(),
		TankID:          reading.TankID,
		Type:            alertType,
		Severity:        severity,
		Status:          models.AlertStatusActive,
		Message:         message,
		GasLevelAtAlert: reading.LevelPercentage,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	if err := e.store.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("Failed to create alert",
			zap.String("tank_id", reading.TankID),
			zap.String("alert_type", string(alertType)),
			zap.Error(err),
		)
		return
	}

	e.logger.Warn("Alert raised",
		zap.String("alert_id", alert.AlertID),
		zap.String("tank_id", reading.TankID),
		zap.String("alert_type", string(alertType)),
		zap.Float64("level_percentage", reading.LevelPercentage),
	)

	payload := models.AlertPayload{
		Type:            alertType,
		TankID:          reading.TankID,
		LevelPercentage: reading.LevelPercentage,
		Threshold:       threshold,
		Timestamp:       reading.Timestamp,
		Message:         message,
	}

	e.publisher.Publish(topic, payload)

	if e.notifier != nil {
		e.notifier.NotifyAlert(payload)
	}

	// 危急告警触发自动补给；去重保证同一危急事件只调度一次
	if alertType == models.AlertTypeCriticalLevel {
		e.scheduleRecharge(ctx, reading.TankID)
	}
}

// scheduleRecharge 自动补给调度失败只记日志，不影响告警链路
func (e *Engine) scheduleRecharge(ctx context.Context, tankID string) {
	if e.recharge == nil {
		return
	}

	tank, err := e.tanks.GetTank(ctx, tankID)
	if err != nil || tank == nil {
		e.logger.Error("Failed to load tank for automatic recharge",
			zap.String("tank_id", tankID),
			zap.Error(err),
		)
		return
	}

	resp, err := e.recharge.ScheduleAutomatic(tank)
	if err != nil {
		e.logger.Error("Failed to schedule automatic recharge",
			zap.String("tank_id", tankID),
			zap.Error(err),
		)
		return
	}

	e.logger.Info("Automatic recharge scheduled",
		zap.String("tank_id", tankID),
		zap.String("recharge_id", resp.RechargeID),
	)
}

func alertMessage(alertType models.AlertType, tankID string, percentage float64) string {
	if alertType == models.AlertTypeCriticalLevel {
		return fmt.Sprintf("Tank %s gas level is critical: %.2f%%", tankID, percentage)
	}
	return fmt.Sprintf("Tank %s gas level is low: %.2f%%", tankID, percentage)
}
