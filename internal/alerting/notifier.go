package alerting

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

// MQTTNotifier 通过 MQTT 对外广播告警
// 每个告警发布到 <prefix><tank_id> 主题，供外部系统（短信网关、运营后台）订阅
type MQTTNotifier struct {
	config *config.MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTTNotifier 连接 broker 并创建通知器
func NewMQTTNotifier(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second)

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
	}

	return &MQTTNotifier{
		config: cfg,
		client: client,
		logger: logger,
	}, nil
}

// NotifyAlert 发布告警；失败只记日志（通知是尽力而为通道）
func (n *MQTTNotifier) NotifyAlert(payload models.AlertPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("Failed to marshal alert payload", zap.Error(err))
		return
	}

	topic := n.config.AlertTopicPrefix + payload.TankID
	token := n.client.Publish(topic, n.config.QoS, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			n.logger.Error("Failed to publish alert to mqtt",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
		}
	}()
}

// Close 断开 broker 连接
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}
