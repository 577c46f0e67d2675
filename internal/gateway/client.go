package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	sendQueueSize = 64
)

// 下行事件名
const (
	EventConnected         = "connected"
	EventReading           = "tank:reading"
	EventAlertLow          = "alert:low"
	EventAlertCritical     = "alert:critical"
	EventSimulationStarted = "simulation:started"
	EventSimulationStopped = "simulation:stopped"
	EventSubscribed        = "subscribed"
	EventUnsubscribed      = "unsubscribed"
	EventError             = "error"
	EventPong              = "pong"
)

// 上行命令名
const (
	cmdSubscribeTank   = "subscribe:tank"
	cmdUnsubscribeTank = "unsubscribe:tank"
	cmdPing            = "ping"
)

// inboundMessage 客户端上行命令
type inboundMessage struct {
	Event string `json:"event"`
	Data  struct {
		TankID string `json:"tankId"`
	} `json:"data"`
}

// client 一条活跃的 WebSocket 连接（读写泵各一个 goroutine）
type client struct {
	ws     *websocket.Conn
	conn   *connection
	hub    *Hub
	logger *zap.Logger
}

// writePump 下行队列 → socket；队列关闭（注销）时发送 close 帧退出
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.conn.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump socket → 命令分发；连接断开时从 hub 注销
func (c *client) readPump() {
	defer func() {
		c.hub.Unregister(c.conn.id)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Websocket read error",
					zap.String("conn_id", c.conn.id),
					zap.Error(err),
				)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleCommand(&msg)
	}
}

// handleCommand 处理单条上行命令
func (c *client) handleCommand(msg *inboundMessage) {
	switch msg.Event {
	case cmdSubscribeTank:
		c.subscribeTank(msg.Data.TankID)
	case cmdUnsubscribeTank:
		c.unsubscribeTank(msg.Data.TankID)
	case cmdPing:
		c.sendEvent(EventPong, map[string]interface{}{"timestamp": time.Now()})
	default:
		c.sendError("unknown command: " + msg.Event)
	}
}

func (c *client) subscribeTank(tankID string) {
	if tankID == "" {
		c.sendError("tankId is required")
		return
	}
	// 授权范围在握手时冻结，订阅只需本地校验
	if !c.conn.session.CanAccessTank(tankID) {
		c.logger.Warn("Subscription denied",
			zap.String("conn_id", c.conn.id),
			zap.String("user_id", c.conn.session.UserID),
			zap.String("tank_id", tankID),
		)
		c.sendError("access denied to tank " + tankID)
		return
	}

	c.hub.Join(c.conn.id, TankTopic(tankID))
	c.sendEvent(EventSubscribed, map[string]string{"tankId": tankID})
}

func (c *client) unsubscribeTank(tankID string) {
	if tankID == "" {
		c.sendError("tankId is required")
		return
	}
	c.hub.Leave(c.conn.id, TankTopic(tankID))
	c.sendEvent(EventUnsubscribed, map[string]string{"tankId": tankID})
}

func (c *client) sendEvent(event string, data interface{}) {
	message, err := encodeMessage(event, data)
	if err != nil {
		c.logger.Error("Failed to encode websocket event",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	c.hub.Send(c.conn.id, message)
}

func (c *client) sendError(reason string) {
	c.sendEvent(EventError, map[string]string{"message": reason})
}
