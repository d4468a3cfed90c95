package handler

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
)

// EndpointLister 节点健康快照
type EndpointLister interface {
	Snapshot() []model.Endpoint
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	ready     atomic.Bool
	endpoints EndpointLister
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(endpoints EndpointLister) *HealthHandler {
	return &HealthHandler{endpoints: endpoints}
}

// SetReady 设置就绪状态
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Health 健康检查，至少一个节点不处于 Unhealthy 才算可用
// GET /healthz
func (h *HealthHandler) Health(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "service initializing",
		})
		return
	}

	endpoints := h.endpoints.Snapshot()
	checks := make(map[string]string, len(endpoints))
	usable := false
	for _, ep := range endpoints {
		checks[ep.URL] = ep.Health.String()
		if ep.Health != model.EndpointHealthUnhealthy {
			usable = true
		}
	}

	status := http.StatusOK
	state := "ok"
	if !usable {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"endpoints": checks,
	})
}
