package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/signing"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// Wallet 用户侧的会话与签名请求管理
type Wallet interface {
	Sessions(ctx context.Context, status string) ([]*model.Session, error)
	SessionByID(ctx context.Context, sessionID string) (*model.Session, error)
	SessionHistory(ctx context.Context, origin string, page *repository.Pagination) ([]*model.Session, error)
	RevokeSession(ctx context.Context, sessionID string) (model.AuthorizationOutcome, error)
	NarrowSession(ctx context.Context, sessionID string, scopes []string) (model.AuthorizationOutcome, error)
	Requests(ctx context.Context, status string) ([]*model.SigningRequest, error)
	RequestByID(ctx context.Context, requestID string) (*model.SigningRequest, error)
	RequestHistory(ctx context.Context, sessionID string, page *repository.Pagination) ([]*model.SigningRequest, error)
	Lane(accountID string) signing.Lane
	WatchAll(ctx context.Context) (<-chan model.StatusEvent, func())
}

// EndpointManager RPC 节点池管理
type EndpointManager interface {
	Snapshot() []model.Endpoint
	AddEndpoint(rawURL string, priority int) (string, error)
	RemoveEndpoint(id string) error
}

// StatusFilter 列表状态筛选
type StatusFilter struct {
	Status string `form:"status"`
}

// NarrowRequest 收窄权限请求体
type NarrowRequest struct {
	Scopes []string `json:"scopes" binding:"required"`
}

// EndpointRequest 新增节点请求体
type EndpointRequest struct {
	URL      string `json:"url" binding:"required"`
	Priority int    `json:"priority"`
}

// WalletHandler 用户管理处理器，与决策通道同在本地回环端口
type WalletHandler struct {
	wallet    Wallet
	endpoints EndpointManager
	upgrader  websocket.Upgrader
}

// NewWalletHandler 创建处理器
func NewWalletHandler(wallet Wallet, endpoints EndpointManager) *WalletHandler {
	return &WalletHandler{wallet: wallet, endpoints: endpoints, upgrader: newUpgrader()}
}

// ListSessions 会话列表
// GET /v1/sessions?status=
func (h *WalletHandler) ListSessions(c *gin.Context) {
	var filter StatusFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		BadRequest(c, err.Error())
		return
	}

	sessions, err := h.wallet.Sessions(c.Request.Context(), filter.Status)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, sessions)
}

// GetSession 会话详情
// GET /v1/sessions/:id
func (h *WalletHandler) GetSession(c *gin.Context) {
	s, err := h.wallet.SessionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, s)
}

// SessionHistory origin 的历史会话
// GET /v1/history/sessions?origin=&page=&page_size=
func (h *WalletHandler) SessionHistory(c *gin.Context) {
	var page repository.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		BadRequest(c, err.Error())
		return
	}

	sessions, err := h.wallet.SessionHistory(c.Request.Context(), c.Query("origin"), &page)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessPaged(c, sessions, page.Page, page.PageSize, page.Total)
}

// RevokeSession 断开会话
// POST /v1/sessions/:id/revoke
func (h *WalletHandler) RevokeSession(c *gin.Context) {
	out, err := h.wallet.RevokeSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}

// NarrowScopes 收窄会话权限
// POST /v1/sessions/:id/scopes
func (h *WalletHandler) NarrowScopes(c *gin.Context) {
	var req NarrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	out, err := h.wallet.NarrowSession(c.Request.Context(), c.Param("id"), req.Scopes)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}

// RequestHistory 会话下的签名请求
// GET /v1/sessions/:id/requests?page=&page_size=
func (h *WalletHandler) RequestHistory(c *gin.Context) {
	var page repository.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		BadRequest(c, err.Error())
		return
	}

	reqs, err := h.wallet.RequestHistory(c.Request.Context(), c.Param("id"), &page)
	if err != nil {
		Error(c, err)
		return
	}
	SuccessPaged(c, reqs, page.Page, page.PageSize, page.Total)
}

// ListRequests 签名请求列表
// GET /v1/requests?status=
func (h *WalletHandler) ListRequests(c *gin.Context) {
	var filter StatusFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		BadRequest(c, err.Error())
		return
	}

	reqs, err := h.wallet.Requests(c.Request.Context(), filter.Status)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, reqs)
}

// GetRequest 签名请求详情
// GET /v1/requests/:id
func (h *WalletHandler) GetRequest(c *gin.Context) {
	req, err := h.wallet.RequestByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, req)
}

// Lane 账户提交队列
// GET /v1/accounts/:account/lane
func (h *WalletHandler) Lane(c *gin.Context) {
	Success(c, h.wallet.Lane(c.Param("account")))
}

// ListEndpoints 节点列表
// GET /v1/endpoints
func (h *WalletHandler) ListEndpoints(c *gin.Context) {
	Success(c, h.endpoints.Snapshot())
}

// AddEndpoint 新增节点
// POST /v1/endpoints
func (h *WalletHandler) AddEndpoint(c *gin.Context) {
	var req EndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	id, err := h.endpoints.AddEndpoint(req.URL, req.Priority)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"id": id})
}

// RemoveEndpoint 移除节点
// DELETE /v1/endpoints/:id
func (h *WalletHandler) RemoveEndpoint(c *gin.Context) {
	if err := h.endpoints.RemoveEndpoint(c.Param("id")); err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"id": c.Param("id")})
}

// Events 全部状态事件流，用于发现新的待审批请求
// GET /v1/events
func (h *WalletHandler) Events(c *gin.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := h.wallet.WatchAll(ctx)
	defer unsubscribe()

	logger.Info("wallet event stream connected", zap.String("remote", c.Request.RemoteAddr))
	streamEvents(ctx, cancel, c, h.upgrader, events, zap.String("stream", "all"))
}
