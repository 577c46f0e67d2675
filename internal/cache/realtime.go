package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

// RealtimeCache 实时读数缓存管理器
// 模拟器每个 tick 写入，仪表盘/HTTP 层读取；不作为真实数据源，仅加速查询
type RealtimeCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewRealtimeCache 创建实时缓存管理器
func NewRealtimeCache(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *RealtimeCache {
	return &RealtimeCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// readingKey 构建实时读数键，如 "tankwatch:tank:<id>:realtime"
func (c *RealtimeCache) readingKey(tankID string) string {
	return c.config.Cache.RealtimeKeyPrefix + tankID + c.config.Cache.RealtimeSuffix
}

// SetLatestReading 写入储罐最新读数（带 TTL）
func (c *RealtimeCache) SetLatestReading(ctx context.Context, reading *models.SensorReading) error {
	if reading == nil || reading.TankID == "" {
		return fmt.Errorf("reading with tank_id is required")
	}

	jsonData, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	ttl := time.Duration(c.config.Cache.RealtimeTTL) * time.Second
	if err := c.redisClient.Set(ctx, c.readingKey(reading.TankID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set realtime reading: %w", err)
	}

	return nil
}

// GetLatestReading 读取储罐最新读数
// 缓存缺失（过期或从未写入）返回 (nil, nil)
func (c *RealtimeCache) GetLatestReading(ctx context.Context, tankID string) (*models.SensorReading, error) {
	if tankID == "" {
		return nil, fmt.Errorf("tank_id is required")
	}

	val, err := c.redisClient.Get(ctx, c.readingKey(tankID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get realtime reading: %w", err)
	}

	var reading models.SensorReading
	if err := json.Unmarshal([]byte(val), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
	}

	return &reading, nil
}

// DeleteReading 删除储罐读数缓存（储罐停用时调用）
func (c *RealtimeCache) DeleteReading(ctx context.Context, tankID string) error {
	if err := c.redisClient.Del(ctx, c.readingKey(tankID)).Err(); err != nil {
		return fmt.Errorf("failed to delete realtime reading: %w", err)
	}
	return nil
}
