package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（告警对外通知通道）
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// 告警发布主题前缀，如 "tankwatch/alerts/"
	AlertTopicPrefix string
}

// Config 监控服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr string
	}

	// 模拟器配置
	Simulation struct {
		Enabled    bool
		IntervalMS int // 读数间隔（毫秒），默认 5000
	}

	// 阈值配置（进程级，不按读数重配）
	Alert struct {
		LowThreshold      float64 // 低液位阈值（百分比），默认 15
		CriticalThreshold float64 // 危急液位阈值（百分比），默认 10
	}

	// Redis 缓存配置
	Cache struct {
		RealtimeKeyPrefix string // 实时读数缓存键前缀，如 "tankwatch:tank:"
		RealtimeSuffix    string // 实时读数缓存键后缀，如 ":realtime"
		RealtimeTTL       int    // 实时读数 TTL（秒）
		SessionKeyPrefix  string // 连接令牌会话键前缀，如 "tankwatch:session:"
	}

	// 外部补给调度服务
	Recharge struct {
		BaseURL string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "tankwatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Enabled = getEnvBool("MQTT_ENABLED", false)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "tankwatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.AlertTopicPrefix = getEnv("MQTT_ALERT_TOPIC_PREFIX", "tankwatch/alerts/")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Simulation.Enabled = getEnvBool("SIM_ENABLED", true)
	cfg.Simulation.IntervalMS = getEnvInt("SIM_READING_INTERVAL_MS", 5000)

	cfg.Alert.LowThreshold = getEnvFloat("ALERT_LOW_THRESHOLD", 15)
	cfg.Alert.CriticalThreshold = getEnvFloat("ALERT_CRITICAL_THRESHOLD", 10)
	if cfg.Alert.CriticalThreshold >= cfg.Alert.LowThreshold {
		return nil, fmt.Errorf("critical threshold (%.2f) must be below low threshold (%.2f)",
			cfg.Alert.CriticalThreshold, cfg.Alert.LowThreshold)
	}

	cfg.Cache.RealtimeKeyPrefix = getEnv("CACHE_REALTIME_PREFIX", "tankwatch:tank:")
	cfg.Cache.RealtimeSuffix = ":realtime"
	cfg.Cache.RealtimeTTL = getEnvInt("CACHE_REALTIME_TTL", 60)
	cfg.Cache.SessionKeyPrefix = getEnv("CACHE_SESSION_PREFIX", "tankwatch:session:")

	cfg.Recharge.BaseURL = getEnv("RECHARGE_API_BASE_URL", "http://localhost:8081")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
