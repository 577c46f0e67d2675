package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tankwatch/internal/bus"
	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

// TankStore 模拟器对储罐存储的窄依赖
// 由 repository.TanksRepository 实现；模拟器不反向依赖储罐管理层
type TankStore interface {
	GetTank(ctx context.Context, tankID string) (*models.Tank, error)
	ListSimulatableTanks(ctx context.Context) ([]*models.Tank, error)
	UpdateGasLevel(ctx context.Context, tankID string, liters, percentage float64) error
	AppendHistory(ctx context.Context, point *models.HistoryPoint) error
}

// Publisher 事件发布接口（由 bus.Bus 实现）
type Publisher interface {
	Publish(topic string, payload interface{})
}

// ReadingCache 实时读数缓存接口（由 cache.RealtimeCache 实现）
type ReadingCache interface {
	SetLatestReading(ctx context.Context, reading *models.SensorReading) error
}

// Status 单个储罐的模拟状态
type Status struct {
	IsRunning       bool    `json:"isRunning"`
	ConsumptionRate float64 `json:"consumptionRate"` // L/h
}

// errStopSelf tick 检测到储罐不再符合条件时的自停信号
var errStopSelf = errors.New("simulation no longer eligible")

// runner 单储罐模拟任务（独立 goroutine + 可取消）
type runner struct {
	tankID string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	rate float64 // 消耗速率 L/h
}

func (r *runner) getRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

func (r *runner) setRate(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = rate
}

// Simulator 传感器模拟器
// 每个可模拟储罐一个独立任务，注册表按 tank_id 索引（不使用全局状态）
type Simulator struct {
	config    *config.Config
	store     TankStore
	cache     ReadingCache
	publisher Publisher
	logger    *zap.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

// New 创建模拟器
func New(
	cfg *config.Config,
	store TankStore,
	readingCache ReadingCache,
	publisher Publisher,
	logger *zap.Logger,
) *Simulator {
	return &Simulator{
		config:    cfg,
		store:     store,
		cache:     readingCache,
		publisher: publisher,
		logger:    logger,
		runners:   make(map[string]*runner),
	}
}

// randomRate 随机消耗速率：[0.5, 3.0) L/h
func randomRate() float64 {
	return 0.5 + rand.Float64()*2.5
}

func (s *Simulator) interval() time.Duration {
	return time.Duration(s.config.Simulation.IntervalMS) * time.Millisecond
}

// StartSimulation 启动单个储罐的模拟
// company 类型或已在运行时静默跳过（只记日志）
func (s *Simulator) StartSimulation(ctx context.Context, tankID string) {
	tank, err := s.store.GetTank(ctx, tankID)
	if err != nil {
		s.logger.Error("Failed to load tank for simulation",
			zap.String("tank_id", tankID),
			zap.Error(err),
		)
		return
	}
	if tank == nil {
		s.logger.Warn("Simulation not started: tank not found",
			zap.String("tank_id", tankID),
		)
		return
	}
	if tank.Type == models.TankTypeCompany {
		// 公司主罐只由外部供气操作变更液位
		s.logger.Info("Simulation skipped for company tank",
			zap.String("tank_id", tankID),
		)
		return
	}

	s.mu.Lock()
	if _, running := s.runners[tankID]; running {
		s.mu.Unlock()
		s.logger.Info("Simulation already running",
			zap.String("tank_id", tankID),
		)
		return
	}

	rate := randomRate()
	runCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		tankID: tankID,
		cancel: cancel,
		done:   make(chan struct{}),
		rate:   rate,
	}
	s.runners[tankID] = r
	s.mu.Unlock()

	s.logger.Info("Simulation started",
		zap.String("tank_id", tankID),
		zap.Float64("consumption_rate", rate),
	)

	go s.run(runCtx, r)

	s.publisher.Publish(bus.TopicSimulationStarted, models.SimulationEvent{
		TankID:          tankID,
		ConsumptionRate: rate,
		Timestamp:       time.Now(),
	})
}

// StopSimulation 停止单个储罐的模拟；幂等
// 返回时保证不再有新的 tick 执行（进行中的存储操作允许完成）
func (s *Simulator) StopSimulation(tankID string) {
	s.mu.Lock()
	r, running := s.runners[tankID]
	if running {
		delete(s.runners, tankID)
	}
	s.mu.Unlock()

	if !running {
		return
	}

	r.cancel()
	<-r.done

	s.logger.Info("Simulation stopped",
		zap.String("tank_id", tankID),
	)

	s.publisher.Publish(bus.TopicSimulationStopped, models.SimulationEvent{
		TankID:    tankID,
		Timestamp: time.Now(),
	})
}

// StartAllSimulations 启动所有符合条件的储罐模拟
// 可重复调用（进程重启后恢复），已运行的储罐跳过
func (s *Simulator) StartAllSimulations(ctx context.Context) error {
	tanks, err := s.store.ListSimulatableTanks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list simulatable tanks: %w", err)
	}

	for _, tank := range tanks {
		s.StartSimulation(ctx, tank.TankID)
	}

	s.logger.Info("All simulations started",
		zap.Int("tank_count", len(tanks)),
	)
	return nil
}

// StopAllSimulations 停止全部模拟（进程关闭路径，确定性收尾）
func (s *Simulator) StopAllSimulations() {
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.runners))
	for id, r := range s.runners {
		runners = append(runners, r)
		delete(s.runners, id)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.cancel()
		<-r.done
	}

	s.logger.Info("All simulations stopped",
		zap.Int("tank_count", len(runners)),
	)
}

// SetConsumptionRate 动态调整消耗速率；未运行时为 no-op
func (s *Simulator) SetConsumptionRate(tankID string, ratePerHour float64) {
	s.mu.Lock()
	r, running := s.runners[tankID]
	s.mu.Unlock()

	if !running {
		s.logger.Warn("Cannot set consumption rate: simulation not running",
			zap.String("tank_id", tankID),
		)
		return
	}

	r.setRate(ratePerHour)
	s.logger.Info("Consumption rate updated",
		zap.String("tank_id", tankID),
		zap.Float64("rate_per_hour", ratePerHour),
	)
}

// Status 查询单个储罐的模拟状态
func (s *Simulator) Status(tankID string) Status {
	s.mu.Lock()
	r, running := s.runners[tankID]
	s.mu.Unlock()

	if !running {
		return Status{}
	}
	return Status{IsRunning: true, ConsumptionRate: r.getRate()}
}

// RunningTankIDs 当前在运行的储罐 ID 列表
func (s *Simulator) RunningTankIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	return ids
}

// run 模拟循环
func (s *Simulator) run(ctx context.Context, r *runner) {
	defer close(r.done)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx, r); err != nil {
				// 自停：从注册表移除自己，不等待 done（自身 goroutine）
				s.mu.Lock()
				if cur, ok := s.runners[r.tankID]; ok && cur == r {
					delete(s.runners, r.tankID)
				}
				s.mu.Unlock()
				r.cancel()

				s.publisher.Publish(bus.TopicSimulationStopped, models.SimulationEvent{
					TankID:    r.tankID,
					Timestamp: time.Now(),
				})
				return
			}
		}
	}
}

// tick 单次模拟步进
// 存储/总线瞬时故障：记日志后跳过本次，下一 tick 独立重试
// 返回 errStopSelf 表示储罐不再符合条件，任务自行终止
func (s *Simulator) tick(ctx context.Context, r *runner) error {
	tank, err := s.store.GetTank(ctx, r.tankID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("Tick skipped: failed to load tank",
			zap.String("tank_id", r.tankID),
			zap.Error(err),
		)
		return nil
	}

	if tank == nil || tank.Status != models.TankStatusActive || tank.Type == models.TankTypeCompany {
		s.logger.Info("Simulation self-terminated: tank no longer eligible",
			zap.String("tank_id", r.tankID),
		)
		return errStopSelf
	}

	// 传感器暂时不活跃：不产出读数，也不终止任务
	if !tank.Simulatable() {
		return nil
	}

	rate := r.getRate()
	intervalSeconds := float64(s.config.Simulation.IntervalMS) / 1000

	// 消耗路径液位只降不升；充装归外部补给操作
	consumed := (rate / 3600) * intervalSeconds
	newLiters := clamp(tank.CurrentLevelLiters-consumed, 0, tank.CapacityLiters)
	newPercentage := clamp(newLiters/tank.CapacityLiters*100, 0, 100)

	reading := &models.SensorReading{
		TankID:          tank.TankID,
		SensorID:        *tank.SensorID,
		LevelPercentage: newPercentage,
		LevelLiters:     newLiters,
		Timestamp:       time.Now(),
	}

	if err := s.persistAndPublish(ctx, reading, rate); err != nil {
		s.logger.Error("Tick skipped: failed to persist reading",
			zap.String("tank_id", r.tankID),
			zap.Error(err),
		)
		return nil
	}

	// 接近排空时消耗衰减（每 tick 单向衰减，重启模拟或充装时重置）
	if newPercentage < 5 {
		r.setRate(rate * 0.1)
	}

	return nil
}

// persistAndPublish 液位写入 + 历史追加 + 缓存 + 总线发布（模拟与手动操作共用）
func (s *Simulator) persistAndPublish(ctx context.Context, reading *models.SensorReading, rate float64) error {
	if err := s.store.UpdateGasLevel(ctx, reading.TankID, reading.LevelLiters, reading.LevelPercentage); err != nil {
		return err
	}

	point := &models.HistoryPoint{
		HistoryID:          uuid.New().String(),
		TankID:             reading.TankID,
		GasLevelPercentage: reading.LevelPercentage,
		GasLevelLiters:     reading.LevelLiters,
		ConsumptionRate:    rate,
		RecordedAt:         reading.Timestamp,
	}
	if err := s.store.AppendHistory(ctx, point); err != nil {
		// 历史追加失败不影响读数发布
		s.logger.Warn("Failed to append monitoring history",
			zap.String("tank_id", reading.TankID),
			zap.Error(err),
		)
	}

	if s.cache != nil {
		if err := s.cache.SetLatestReading(ctx, reading); err != nil {
			s.logger.Warn("Failed to cache realtime reading",
				zap.String("tank_id", reading.TankID),
				zap.Error(err),
			)
		}
	}

	s.publisher.Publish(bus.TopicReading, *reading)
	return nil
}

// SimulateConsumption 手动一次性消耗（测试/演示用）
func (s *Simulator) SimulateConsumption(ctx context.Context, tankID string, liters float64) (*models.SensorReading, error) {
	if liters < 0 {
		return nil, fmt.Errorf("liters must be non-negative")
	}

	tank, err := s.eligibleForManual(ctx, tankID)
	if err != nil {
		return nil, err
	}

	newLiters := clamp(tank.CurrentLevelLiters-liters, 0, tank.CapacityLiters)
	return s.applyManual(ctx, tank, newLiters)
}

// SimulateRefill 手动充装；litersAdded 为 nil 时充满
// 充装后消耗速率重置为新的随机值
func (s *Simulator) SimulateRefill(ctx context.Context, tankID string, litersAdded *float64) (*models.SensorReading, error) {
	tank, err := s.eligibleForManual(ctx, tankID)
	if err != nil {
		return nil, err
	}

	newLiters := tank.CapacityLiters
	if litersAdded != nil {
		if *litersAdded < 0 {
			return nil, fmt.Errorf("liters must be non-negative")
		}
		newLiters = clamp(tank.CurrentLevelLiters+*litersAdded, 0, tank.CapacityLiters)
	}

	reading, err := s.applyManual(ctx, tank, newLiters)
	if err != nil {
		return nil, err
	}

	// 重置消耗速率（撤销接近排空的衰减）
	s.mu.Lock()
	r, running := s.runners[tankID]
	s.mu.Unlock()
	if running {
		r.setRate(randomRate())
	}

	return reading, nil
}

func (s *Simulator) eligibleForManual(ctx context.Context, tankID string) (*models.Tank, error) {
	if tankID == "" {
		return nil, fmt.Errorf("tank_id is required")
	}

	tank, err := s.store.GetTank(ctx, tankID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tank: %w", err)
	}
	if tank == nil {
		return nil, fmt.Errorf("tank not found: %s", tankID)
	}
	if tank.Type == models.TankTypeCompany {
		return nil, fmt.Errorf("company tank level is managed by supply operations only")
	}
	return tank, nil
}

func (s *Simulator) applyManual(ctx context.Context, tank *models.Tank, newLiters float64) (*models.SensorReading, error) {
	newPercentage := clamp(newLiters/tank.CapacityLiters*100, 0, 100)

	sensorID := ""
	if tank.SensorID != nil {
		sensorID = *tank.SensorID
	}

	reading := &models.SensorReading{
		TankID:          tank.TankID,
		SensorID:        sensorID,
		LevelPercentage: newPercentage,
		LevelLiters:     newLiters,
		Timestamp:       time.Now(),
	}

	rate := 0.0
	s.mu.Lock()
	if r, running := s.runners[tank.TankID]; running {
		rate = r.getRate()
	}
	s.mu.Unlock()

	if err := s.persistAndPublish(ctx, reading, rate); err != nil {
		return nil, err
	}
	return reading, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
