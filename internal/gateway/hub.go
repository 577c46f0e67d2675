package gateway

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// TopicAdminAll 管理员广播主题（全部储罐的读数与告警）
const TopicAdminAll = "admin:all"

// TankTopic 单储罐主题名
func TankTopic(tankID string) string {
	return "tank:" + tankID
}

// wsMessage 统一下行消息信封
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func encodeMessage(event string, data interface{}) ([]byte, error) {
	return json.Marshal(wsMessage{Event: event, Data: data})
}

// connection 单个 WebSocket 连接在 hub 里的表示
// send 队列满即判定为慢消费者，断开连接（不阻塞广播）
type connection struct {
	id      string
	session *Session

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newConnection(id string, session *Session, queueSize int) *connection {
	return &connection{
		id:      id,
		session: session,
		send:    make(chan []byte, queueSize),
	}
}

// trySend 非阻塞入队；已关闭的连接当作投递成功（静默丢弃），
// 队列满返回 false
func (c *connection) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// close 关闭下行队列；写泵随之退出。幂等
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub 连接与主题成员关系管理
// 广播按主题扇出；单个连接的阻塞不影响其他连接
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*connection
	topics map[string]map[string]*connection // topic → connID → conn
}

// NewHub 创建 hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]*connection),
		topics: make(map[string]map[string]*connection),
	}
}

// Register 注册连接
func (h *Hub) Register(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.id] = conn
}

// Unregister 注销连接并退出所有主题；幂等
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		for topic, members := range h.topics {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		conn.close()
	}
}

// Join 连接加入主题；幂等
func (h *Hub) Join(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return false
	}
	members, ok := h.topics[topic]
	if !ok {
		members = make(map[string]*connection)
		h.topics[topic] = members
	}
	members[connID] = conn
	return true
}

// Leave 连接退出主题
func (h *Hub) Leave(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

// Topics 连接当前加入的主题列表
func (h *Hub) Topics(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for topic, members := range h.topics {
		if _, ok := members[connID]; ok {
			out = append(out, topic)
		}
	}
	return out
}

// ConnCount 当前连接数
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll 注销全部连接（进程关闭路径）
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*connection)
	h.topics = make(map[string]map[string]*connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// Broadcast 向若干主题的成员并集广播一条消息
// 同一连接加入多个目标主题时只收到一次；队列满的连接被断开
func (h *Hub) Broadcast(message []byte, topics ...string) {
	h.mu.RLock()
	targets := make(map[string]*connection)
	for _, topic := range topics {
		for id, conn := range h.topics[topic] {
			targets[id] = conn
		}
	}
	h.mu.RUnlock()

	var stale []string
	for id, conn := range targets {
		if !conn.trySend(message) {
			// 慢消费者：丢弃连接而不是阻塞广播
			h.logger.Warn("Disconnecting slow websocket client",
				zap.String("conn_id", id),
			)
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		h.Unregister(id)
	}
}

// Send 向单个连接投递；队列满时断开
func (h *Hub) Send(connID string, message []byte) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	if !conn.trySend(message) {
		h.logger.Warn("Disconnecting slow websocket client",
			zap.String("conn_id", connID),
		)
		h.Unregister(connID)
	}
}
