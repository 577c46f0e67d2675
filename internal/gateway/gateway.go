package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tankwatch/internal/bus"
	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

const subscriberID = "ws-gateway"

// bearerProtocolPrefix 令牌通过 WebSocket 子协议传递时的前缀
// 浏览器客户端无法自定义握手头，子协议是唯一的带内通道
const bearerProtocolPrefix = "bearer."

// Gateway WebSocket 分发网关
// 握手即认证：令牌无效的连接在升级前被拒绝；
// 管理员自动加入 admin:all 主题，普通用户按授权范围订阅单罐主题
type Gateway struct {
	config   *config.Config
	hub      *Hub
	verifier TokenVerifier
	logger   *zap.Logger

	upgrader websocket.Upgrader

	eventBus *bus.Bus
	done     chan struct{}
}

// New 创建网关
func New(cfg *config.Config, hub *Hub, verifier TokenVerifier, logger *zap.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		hub:      hub,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 鉴权靠令牌，不做 Origin 限制
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// extractToken 按优先级提取令牌：子协议 → query → Authorization 头
// 返回令牌和需要回显的子协议（仅子协议来源时非空）
func extractToken(r *http.Request) (token, subprotocol string) {
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, bearerProtocolPrefix) {
			return strings.TrimPrefix(proto, bearerProtocolPrefix), proto
		}
	}

	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), ""
	}

	return "", ""
}

// HandleWS WebSocket 握手入口
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token, subprotocol := extractToken(r)

	session, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		} else {
			g.logger.Error("Token verification failed", zap.Error(err))
			http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	var responseHeader http.Header
	if subprotocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {subprotocol}}
	}

	ws, err := g.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	conn := newConnection(connID, session, sendQueueSize)
	g.hub.Register(conn)

	// 管理员进广播主题；普通用户按授权范围自动加入各自储罐主题
	if session.IsAdmin() {
		g.hub.Join(connID, TopicAdminAll)
	} else {
		for _, tankID := range session.TankIDs {
			g.hub.Join(connID, TankTopic(tankID))
		}
	}

	g.logger.Info("Websocket client connected",
		zap.String("conn_id", connID),
		zap.String("user_id", session.UserID),
		zap.String("role", string(session.Role)),
	)

	c := &client{ws: ws, conn: conn, hub: g.hub, logger: g.logger}
	go c.writePump()
	go c.readPump()

	c.sendEvent(EventConnected, map[string]interface{}{
		"connId":  connID,
		"userId":  session.UserID,
		"role":    session.Role,
		"tankIds": session.TankIDs,
	})
}

// Start 订阅总线事件并启动扇出循环
func (g *Gateway) Start(eventBus *bus.Bus) error {
	ch, err := eventBus.Subscribe(subscriberID, 1024,
		bus.TopicReading, bus.TopicAlertLow, bus.TopicAlertCritical,
		bus.TopicSimulationStarted, bus.TopicSimulationStopped)
	if err != nil {
		return fmt.Errorf("failed to subscribe to bus: %w", err)
	}

	g.eventBus = eventBus
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		for event := range ch {
			g.dispatch(event)
		}
	}()

	g.logger.Info("Websocket gateway started")
	return nil
}

// Stop 取消订阅并等待扇出循环退出
func (g *Gateway) Stop() {
	if g.eventBus == nil {
		return
	}
	g.eventBus.Unsubscribe(subscriberID)
	<-g.done
	g.hub.CloseAll()
	g.logger.Info("Websocket gateway stopped")
}

// dispatch 单条总线事件 → 储罐主题 + 管理员广播主题
// 同一连接同时在两个主题时由 hub 去重，只收一次
func (g *Gateway) dispatch(event bus.Event) {
	var (
		wsEvent string
		tankID  string
		payload interface{}
	)

	switch event.Topic {
	case bus.TopicReading:
		reading, ok := event.Payload.(models.SensorReading)
		if !ok {
			return
		}
		wsEvent, tankID, payload = EventReading, reading.TankID, reading
	case bus.TopicAlertLow:
		alert, ok := event.Payload.(models.AlertPayload)
		if !ok {
			return
		}
		wsEvent, tankID, payload = EventAlertLow, alert.TankID, alert
	case bus.TopicAlertCritical:
		alert, ok := event.Payload.(models.AlertPayload)
		if !ok {
			return
		}
		wsEvent, tankID, payload = EventAlertCritical, alert.TankID, alert
	case bus.TopicSimulationStarted, bus.TopicSimulationStopped:
		// 模拟生命周期只对管理员可见
		lifecycle, ok := event.Payload.(models.SimulationEvent)
		if !ok {
			return
		}
		wsEvent = EventSimulationStarted
		if event.Topic == bus.TopicSimulationStopped {
			wsEvent = EventSimulationStopped
		}
		g.broadcast(wsEvent, lifecycle, TopicAdminAll)
		return
	default:
		return
	}

	g.broadcast(wsEvent, payload, TankTopic(tankID), TopicAdminAll)
}

func (g *Gateway) broadcast(wsEvent string, payload interface{}, topics ...string) {
	message, err := encodeMessage(wsEvent, payload)
	if err != nil {
		g.logger.Error("Failed to encode broadcast message",
			zap.String("event", wsEvent),
			zap.Error(err),
		)
		return
	}
	g.hub.Broadcast(message, topics...)
}
