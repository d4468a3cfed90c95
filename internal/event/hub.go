// Package event 状态事件分发，发布方永不阻塞
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// AllEvents 订阅全部事件的 handle
const AllEvents = ""

const defaultBuffer = 64

type subscription struct {
	handle string
	ch     chan model.StatusEvent
	done   chan struct{}
}

// Hub 事件分发中心
type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{} // handle -> 订阅
	closed bool
}

// NewHub 创建 Hub，buffer 为每个订阅者的缓冲大小
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe 订阅 handle (会话 ID 或签名请求 ID) 的事件，ctx 结束或调用 cancel 后 channel 关闭。
// initial 在注册前放入缓冲，先于之后发布的事件送达
func (h *Hub) Subscribe(ctx context.Context, handle string, initial ...model.StatusEvent) (<-chan model.StatusEvent, func()) {
	sub := &subscription{
		handle: handle,
		ch:     make(chan model.StatusEvent, h.buffer),
		done:   make(chan struct{}),
	}
	if len(initial) > h.buffer {
		initial = initial[len(initial)-h.buffer:]
	}
	for _, e := range initial {
		sub.ch <- e
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if h.subs[handle] == nil {
		h.subs[handle] = make(map[*subscription]struct{})
	}
	h.subs[handle][sub] = struct{}{}
	h.mu.Unlock()
	metrics.SubscribersGauge.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(sub) })
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel
}

// Publish 投递给事件 handle、所属会话及全量订阅者。缓冲满时丢弃最旧的事件
func (h *Hub) Publish(event model.StatusEvent) {
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Kind)).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.deliverLocked(event.Handle, event)
	if event.SessionID != "" && event.SessionID != event.Handle {
		h.deliverLocked(event.SessionID, event)
	}
	if event.Handle != AllEvents {
		h.deliverLocked(AllEvents, event)
	}
}

// Close 关闭全部订阅
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for handle, subs := range h.subs {
		for sub := range subs {
			sub.close()
		}
		delete(h.subs, handle)
	}
}

func (h *Hub) deliverLocked(handle string, event model.StatusEvent) {
	for sub := range h.subs[handle] {
		select {
		case sub.ch <- event:
			continue
		default:
		}

		// 缓冲已满，丢弃最旧的一条以保留最新状态
		select {
		case <-sub.ch:
		default:
		}
		metrics.EventsDroppedTotal.Inc()
		logger.Debug("subscriber buffer full, dropped oldest event",
			zap.String("handle", handle),
			zap.String("event_handle", event.Handle),
			zap.String("status", event.Status))

		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sub.handle]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.handle)
	}
	sub.close()
}

func (s *subscription) close() {
	close(s.ch)
	close(s.done)
	metrics.SubscribersGauge.Dec()
}
