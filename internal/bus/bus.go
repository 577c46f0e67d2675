package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// 事件主题
const (
	TopicReading           = "reading"
	TopicAlertLow          = "alert.low"
	TopicAlertCritical     = "alert.critical"
	TopicSimulationStarted = "simulation.started"
	TopicSimulationStopped = "simulation.stopped"
)

// Event 总线事件
type Event struct {
	Topic   string
	Payload interface{}
}

// SubscriberStats 订阅者统计
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// subscriber 单个订阅者（独立缓冲通道，慢订阅者不阻塞发布者）
type subscriber struct {
	id     string
	topics map[string]bool
	ch     chan Event
	stats  SubscriberStats
}

// Bus 进程内发布/订阅总线
// 投递语义：按主题保序投递给当前已注册的订阅者；通道满则丢弃（计数），
// 不持久化、不回放，后注册的订阅者看不到历史事件
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *zap.Logger
	closed      bool
}

// New 创建总线
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		logger:      logger,
	}
}

// Subscribe 注册订阅者，返回只读事件通道
// bufferSize 为订阅者私有队列容量
func (b *Bus) Subscribe(id string, bufferSize int, topics ...string) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, fmt.Errorf("subscriber already exists: %s", id)
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}

	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}

	sub := &subscriber{
		id:     id,
		topics: topicSet,
		ch:     make(chan Event, bufferSize),
	}
	b.subscribers[id] = sub

	return sub.ch, nil
}

// Unsubscribe 注销订阅者并关闭其通道
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, exists := b.subscribers[id]; exists {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish 发布事件到主题
// 非阻塞：订阅者队列满时丢弃该订阅者的本条事件，不影响其他订阅者
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event{Topic: topic, Payload: payload}
	for _, sub := range b.subscribers {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- event:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			dropped := atomic.AddUint64(&sub.stats.Dropped, 1)
			if dropped == 1 || dropped%100 == 0 {
				b.logger.Warn("Bus subscriber queue full, dropping event",
					zap.String("subscriber", sub.id),
					zap.String("topic", topic),
					zap.Uint64("dropped_total", dropped),
				)
			}
		}
	}
}

// Stats 获取订阅者统计
func (b *Bus) Stats(id string) (SubscriberStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, false
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, true
}

// Close 关闭总线，注销全部订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
