// Package endpoint 维护 RPC 节点池：按优先级选择节点，连续失败后指数退避冷却
package endpoint

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// Config 节点池配置
type Config struct {
	FailureThreshold int           // 连续失败多少次后标记为不健康
	BaseCooldown     time.Duration // 首次冷却时长
	MaxCooldown      time.Duration // 冷却上限
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

type entry struct {
	ep  model.Endpoint
	seq int
}

// Pool 节点池，唯一持有节点健康状态
type Pool struct {
	cfg Config

	mu       sync.Mutex
	entries  []*entry
	activeID string
	nextSeq  int

	now      func() time.Time
	observer func(model.Endpoint)
	removed  func(model.Endpoint)
}

// NewPool 创建节点池
func NewPool(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	return &Pool{cfg: cfg, now: time.Now}
}

// SetClock 替换时钟，测试用
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// OnHealthChange 注册健康状态变化回调，在锁外调用
func (p *Pool) OnHealthChange(fn func(model.Endpoint)) {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
}

// OnRemove 注册节点移除回调，在锁外调用
func (p *Pool) OnRemove(fn func(model.Endpoint)) {
	p.mu.Lock()
	p.removed = fn
	p.mu.Unlock()
}

// AddEndpoint 添加节点
func (p *Pool) AddEndpoint(rawURL string, priority int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", errors.ErrInvalidRequest.WithMessagef("invalid endpoint url %q", rawURL)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", errors.ErrInvalidRequest.WithMessagef("unsupported endpoint scheme %q", u.Scheme)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.ep.URL == rawURL {
			return "", errors.ErrInvalidRequest.WithMessagef("endpoint %s already registered", rawURL)
		}
	}

	e := &entry{
		ep: model.Endpoint{
			ID:       uuid.New().String(),
			URL:      rawURL,
			Priority: priority,
			Health:   model.EndpointHealthUnknown,
		},
		seq: p.nextSeq,
	}
	p.nextSeq++
	p.entries = append(p.entries, e)
	sort.SliceStable(p.entries, func(i, j int) bool {
		if p.entries[i].ep.Priority != p.entries[j].ep.Priority {
			return p.entries[i].ep.Priority < p.entries[j].ep.Priority
		}
		return p.entries[i].seq < p.entries[j].seq
	})

	logger.Info("rpc endpoint added",
		zap.String("endpoint_id", e.ep.ID),
		zap.String("url", rawURL),
		zap.Int("priority", priority))
	return e.ep.ID, nil
}

// RemoveEndpoint 移除节点
func (p *Pool) RemoveEndpoint(id string) error {
	p.mu.Lock()
	var removed *entry
	for i, e := range p.entries {
		if e.ep.ID == id {
			removed = e
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	if removed == nil {
		p.mu.Unlock()
		return errors.ErrNotFound.WithMessagef("endpoint %s not found", id)
	}
	if p.activeID == id {
		p.activeID = ""
	}
	hook := p.removed
	p.mu.Unlock()

	logger.Info("rpc endpoint removed", zap.String("endpoint_id", id), zap.String("url", removed.ep.URL))
	if hook != nil {
		hook(removed.ep)
	}
	return nil
}

// SelectActive 按优先级选择第一个可用节点，全部冷却中时立即失败
func (p *Pool) SelectActive() (*model.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, e := range p.entries {
		p.refresh(e, now)
		if e.ep.Health == model.EndpointHealthUnhealthy {
			continue
		}
		if p.activeID != e.ep.ID {
			logger.Info("rpc endpoint activated",
				zap.String("endpoint_id", e.ep.ID),
				zap.String("url", e.ep.URL),
				zap.String("previous", p.activeID))
			p.activeID = e.ep.ID
		}
		ep := e.ep
		return &ep, nil
	}

	p.activeID = ""
	return nil, errors.ErrNoHealthyEndpoint
}

// ReportOutcome 上报一次调用结果
func (p *Pool) ReportOutcome(endpointID string, success bool) {
	p.mu.Lock()
	e := p.find(endpointID)
	if e == nil {
		p.mu.Unlock()
		return
	}

	now := p.now()
	p.refresh(e, now)
	before := e.ep.Health

	// 冷却期内的迟到结果不改变状态
	if before == model.EndpointHealthUnhealthy {
		p.mu.Unlock()
		return
	}

	e.ep.LastCheckedAt = now.UnixMilli()
	if success {
		e.ep.Health = model.EndpointHealthHealthy
		e.ep.ConsecutiveFailures = 0
		e.ep.CooldownLevel = 0
		e.ep.RetryAt = 0
	} else {
		e.ep.ConsecutiveFailures++
		halfOpen := before == model.EndpointHealthUnknown && e.ep.CooldownLevel > 0
		if halfOpen || e.ep.ConsecutiveFailures >= p.cfg.FailureThreshold {
			p.trip(e, now)
		}
	}

	changed := e.ep.Health != before
	snapshot := e.ep
	observer := p.observer
	p.mu.Unlock()

	if changed && observer != nil {
		observer(snapshot)
	}
}

// ProbeCandidates 返回不在冷却期内的节点，供探活使用
func (p *Pool) ProbeCandidates() []model.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]model.Endpoint, 0, len(p.entries))
	for _, e := range p.entries {
		p.refresh(e, now)
		if e.ep.Health != model.EndpointHealthUnhealthy {
			out = append(out, e.ep)
		}
	}
	return out
}

// Active 返回当前活跃节点副本
func (p *Pool) Active() *model.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.find(p.activeID); e != nil {
		ep := e.ep
		return &ep
	}
	return nil
}

// Snapshot 按优先级返回所有节点副本
func (p *Pool) Snapshot() []model.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Endpoint, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.ep
	}
	return out
}

// Len 节点数量
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) find(id string) *entry {
	if id == "" {
		return nil
	}
	for _, e := range p.entries {
		if e.ep.ID == id {
			return e
		}
	}
	return nil
}

// refresh 冷却结束的节点回到 Unknown，等待下一次调用验证
func (p *Pool) refresh(e *entry, now time.Time) {
	if e.ep.Health == model.EndpointHealthUnhealthy && now.UnixMilli() >= e.ep.RetryAt {
		e.ep.Health = model.EndpointHealthUnknown
		e.ep.ConsecutiveFailures = 0
	}
}

func (p *Pool) trip(e *entry, now time.Time) {
	cooldown := p.cooldown(e.ep.CooldownLevel)
	e.ep.Health = model.EndpointHealthUnhealthy
	e.ep.RetryAt = now.Add(cooldown).UnixMilli()
	e.ep.CooldownLevel++
	if p.activeID == e.ep.ID {
		p.activeID = ""
	}

	logger.Warn("rpc endpoint marked unhealthy",
		zap.String("endpoint_id", e.ep.ID),
		zap.String("url", e.ep.URL),
		zap.Int("consecutive_failures", e.ep.ConsecutiveFailures),
		zap.Duration("cooldown", cooldown))
}

func (p *Pool) cooldown(level int) time.Duration {
	d := p.cfg.BaseCooldown
	for i := 0; i < level; i++ {
		d *= 2
		if d >= p.cfg.MaxCooldown {
			return p.cfg.MaxCooldown
		}
	}
	if d > p.cfg.MaxCooldown {
		return p.cfg.MaxCooldown
	}
	return d
}
