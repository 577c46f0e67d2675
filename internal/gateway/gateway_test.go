package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tankwatch/internal/bus"
	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

// ============================================
// 测试辅助
// ============================================

type staticVerifier struct {
	sessions map[string]*Session
}

func (v *staticVerifier) Verify(_ context.Context, token string) (*Session, error) {
	s, ok := v.sessions[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	copied := *s
	return &copied, nil
}

type wsEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event wsEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func sendCommand(t *testing.T, conn *websocket.Conn, event, tankID string) {
	t.Helper()
	msg := map[string]interface{}{"event": event}
	if tankID != "" {
		msg["data"] = map[string]string{"tankId": tankID}
	}
	require.NoError(t, conn.WriteJSON(msg))
}

type gatewayFixture struct {
	gateway *Gateway
	bus     *bus.Bus
	url     string
}

func setupGateway(t *testing.T) *gatewayFixture {
	verifier := &staticVerifier{sessions: map[string]*Session{
		"tok-user":  {UserID: "user-1", Role: RoleUser, TankIDs: []string{"tank-1"}},
		"tok-admin": {UserID: "admin-1", Role: RoleAdmin},
	}}

	cfg := &config.Config{}
	g := New(cfg, NewHub(zap.NewNop()), verifier, zap.NewNop())

	eventBus := bus.New(zap.NewNop())
	require.NoError(t, g.Start(eventBus))

	server := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(func() {
		server.Close()
		g.Stop()
		eventBus.Close()
	})

	return &gatewayFixture{
		gateway: g,
		bus:     eventBus,
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

// ============================================
// 握手与认证
// ============================================

func TestHandleWS_QueryToken(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()

	event := readEvent(t, conn)
	assert.Equal(t, EventConnected, event.Event)

	var data struct {
		ConnID string `json:"connId"`
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(event.Data, &data))
	assert.NotEmpty(t, data.ConnID)
	assert.Equal(t, "user-1", data.UserID)
	assert.Equal(t, "user", data.Role)
}

func TestHandleWS_SubprotocolToken(t *testing.T) {
	f := setupGateway(t)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer.tok-user"}}
	conn, _, err := dialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 服务端回显协商的子协议
	assert.Equal(t, "bearer.tok-user", conn.Subprotocol())
	assert.Equal(t, EventConnected, readEvent(t, conn).Event)
}

func TestHandleWS_AuthorizationHeader(t *testing.T) {
	f := setupGateway(t)

	header := http.Header{"Authorization": {"Bearer tok-user"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventConnected, readEvent(t, conn).Event)
}

func TestHandleWS_SubprotocolTakesPrecedence(t *testing.T) {
	f := setupGateway(t)

	// 子协议携带有效令牌，query 里的无效令牌被忽略
	dialer := websocket.Dialer{Subprotocols: []string{"bearer.tok-admin"}}
	conn, _, err := dialer.Dial(f.url+"?token=bogus", nil)
	require.NoError(t, err)
	defer conn.Close()

	event := readEvent(t, conn)
	require.Equal(t, EventConnected, event.Event)

	var data struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(event.Data, &data))
	assert.Equal(t, "admin-1", data.UserID)
}

func TestHandleWS_InvalidTokenRejected(t *testing.T) {
	f := setupGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url+"?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWS_MissingTokenRejected(t *testing.T) {
	f := setupGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ============================================
// 订阅与分发
// ============================================

func TestSubscribeAndReceiveReadings(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	sendCommand(t, conn, cmdSubscribeTank, "tank-1")
	require.Equal(t, EventSubscribed, readEvent(t, conn).Event)

	// 未订阅的储罐不会投递；先发 tank-2 再发 tank-1，收到的应是 tank-1
	f.bus.Publish(bus.TopicReading, models.SensorReading{
		TankID: "tank-2", LevelPercentage: 80, Timestamp: time.Now(),
	})
	f.bus.Publish(bus.TopicReading, models.SensorReading{
		TankID: "tank-1", LevelPercentage: 55.5, Timestamp: time.Now(),
	})

	event := readEvent(t, conn)
	require.Equal(t, EventReading, event.Event)

	var reading models.SensorReading
	require.NoError(t, json.Unmarshal(event.Data, &reading))
	assert.Equal(t, "tank-1", reading.TankID)
	assert.Equal(t, 55.5, reading.LevelPercentage)
}

func TestScopedClientAutoJoinsAuthorizedTanks(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	// 握手后即在授权储罐主题内，无需显式订阅
	f.bus.Publish(bus.TopicReading, models.SensorReading{
		TankID: "tank-1", LevelPercentage: 60, Timestamp: time.Now(),
	})

	event := readEvent(t, conn)
	require.Equal(t, EventReading, event.Event)

	var reading models.SensorReading
	require.NoError(t, json.Unmarshal(event.Data, &reading))
	assert.Equal(t, "tank-1", reading.TankID)
}

func TestDeniedSubscribeKeepsAuthorizedDelivery(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	// 越权订阅被拒绝，但不影响已授权储罐的投递
	sendCommand(t, conn, cmdSubscribeTank, "tank-9")
	require.Equal(t, EventError, readEvent(t, conn).Event)

	f.bus.Publish(bus.TopicReading, models.SensorReading{
		TankID: "tank-1", LevelPercentage: 45, Timestamp: time.Now(),
	})

	event := readEvent(t, conn)
	require.Equal(t, EventReading, event.Event)

	var reading models.SensorReading
	require.NoError(t, json.Unmarshal(event.Data, &reading))
	assert.Equal(t, "tank-1", reading.TankID)
}

func TestSubscribeDenied(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	sendCommand(t, conn, cmdSubscribeTank, "tank-9")

	event := readEvent(t, conn)
	assert.Equal(t, EventError, event.Event)
	assert.Contains(t, string(event.Data), "access denied")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	sendCommand(t, conn, cmdSubscribeTank, "tank-1")
	require.Equal(t, EventSubscribed, readEvent(t, conn).Event)
	sendCommand(t, conn, cmdUnsubscribeTank, "tank-1")
	require.Equal(t, EventUnsubscribed, readEvent(t, conn).Event)

	f.bus.Publish(bus.TopicReading, models.SensorReading{
		TankID: "tank-1", LevelPercentage: 50, Timestamp: time.Now(),
	})

	// 退订后读数不再投递，下一条消息应是 pong
	sendCommand(t, conn, cmdPing, "")
	assert.Equal(t, EventPong, readEvent(t, conn).Event)
}

func TestAdminReceivesEverything(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-admin", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	// 管理员无需订阅即可收到任意储罐的事件
	f.bus.Publish(bus.TopicAlertCritical, models.AlertPayload{
		Type:            models.AlertTypeCriticalLevel,
		TankID:          "tank-7",
		LevelPercentage: 8,
		Threshold:       10,
		Timestamp:       time.Now(),
	})

	event := readEvent(t, conn)
	require.Equal(t, EventAlertCritical, event.Event)

	var payload models.AlertPayload
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	assert.Equal(t, "tank-7", payload.TankID)
	assert.Equal(t, models.AlertTypeCriticalLevel, payload.Type)
}

func TestAlertFanOutToSubscribers(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	sendCommand(t, conn, cmdSubscribeTank, "tank-1")
	require.Equal(t, EventSubscribed, readEvent(t, conn).Event)

	f.bus.Publish(bus.TopicAlertLow, models.AlertPayload{
		Type:            models.AlertTypeLowLevel,
		TankID:          "tank-1",
		LevelPercentage: 12,
		Threshold:       15,
		Timestamp:       time.Now(),
	})

	event := readEvent(t, conn)
	assert.Equal(t, EventAlertLow, event.Event)
}

func TestSimulationLifecycleVisibleToAdminOnly(t *testing.T) {
	f := setupGateway(t)

	admin, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-admin", nil)
	require.NoError(t, err)
	defer admin.Close()
	require.Equal(t, EventConnected, readEvent(t, admin).Event)

	user, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer user.Close()
	require.Equal(t, EventConnected, readEvent(t, user).Event)

	f.bus.Publish(bus.TopicSimulationStarted, models.SimulationEvent{
		TankID:          "tank-1",
		ConsumptionRate: 1.5,
		Timestamp:       time.Now(),
	})
	f.bus.Publish(bus.TopicSimulationStopped, models.SimulationEvent{
		TankID:    "tank-1",
		Timestamp: time.Now(),
	})

	event := readEvent(t, admin)
	require.Equal(t, EventSimulationStarted, event.Event)
	var lifecycle models.SimulationEvent
	require.NoError(t, json.Unmarshal(event.Data, &lifecycle))
	assert.Equal(t, "tank-1", lifecycle.TankID)
	assert.Equal(t, 1.5, lifecycle.ConsumptionRate)

	assert.Equal(t, EventSimulationStopped, readEvent(t, admin).Event)

	// 普通用户（即使在该储罐主题内）收不到生命周期事件，ping 冲刷验证
	sendCommand(t, user, cmdPing, "")
	assert.Equal(t, EventPong, readEvent(t, user).Event)
}

// ============================================
// 上行命令
// ============================================

func TestPingPong(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	sendCommand(t, conn, cmdPing, "")
	assert.Equal(t, EventPong, readEvent(t, conn).Event)
}

func TestUnknownCommand(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	sendCommand(t, conn, "bogus:command", "")
	assert.Equal(t, EventError, readEvent(t, conn).Event)
}

func TestMalformedMessage(t *testing.T) {
	f := setupGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=tok-user", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, EventConnected, readEvent(t, conn).Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, EventError, readEvent(t, conn).Event)
}
