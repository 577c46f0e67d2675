package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tankwatch/internal/config"
)

// ErrInvalidToken 令牌无效或会话已过期
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenVerifier 连接令牌验证
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Session, error)
}

// RedisTokenVerifier 基于 Redis 会话的令牌验证
// 认证服务登录时写入 <session_prefix><token> → 会话 JSON，带 TTL；
// 本服务只读校验，不签发令牌
type RedisTokenVerifier struct {
	config *config.Config
	client *redis.Client
	logger *zap.Logger
}

// NewRedisTokenVerifier 创建令牌验证器
func NewRedisTokenVerifier(cfg *config.Config, client *redis.Client, logger *zap.Logger) *RedisTokenVerifier {
	return &RedisTokenVerifier{
		config: cfg,
		client: client,
		logger: logger,
	}
}

// Verify 校验令牌并返回会话授权范围
func (v *RedisTokenVerifier) Verify(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	key := v.config.Cache.SessionKeyPrefix + token
	data, err := v.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		v.logger.Error("Corrupt session record",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, ErrInvalidToken
	}
	if session.UserID == "" || session.Role == "" {
		return nil, ErrInvalidToken
	}

	return &session, nil
}
