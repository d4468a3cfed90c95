package handler

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/broker"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
)

// Provider dApp 调用面
type Provider interface {
	Connect(ctx context.Context, req broker.ConnectRequest) (model.AuthorizationOutcome, error)
	RequestSignature(ctx context.Context, origin, sessionID string, payload model.Payload) (model.AuthorizationOutcome, error)
	CallView(ctx context.Context, origin, sessionID, method string, params []any) (json.RawMessage, error)
	Disconnect(ctx context.Context, origin, sessionID string) (model.AuthorizationOutcome, error)
	Subscribe(ctx context.Context, origin, handle string) (<-chan model.StatusEvent, func(), error)
	Session(ctx context.Context, origin, sessionID string) (*model.Session, error)
	Request(ctx context.Context, origin, requestID string) (*model.SigningRequest, error)
	CancelSignature(ctx context.Context, origin, requestID string) (model.AuthorizationOutcome, error)
}

// ConnectRequest 连接请求体
type ConnectRequest struct {
	AccountID string   `json:"account_id"`
	Name      string   `json:"name"`
	Scopes    []string `json:"scopes" binding:"required"`
}

// SignatureRequest 签名请求体
type SignatureRequest struct {
	Payload model.Payload `json:"payload"`
}

// CallRequest 只读调用请求体
type CallRequest struct {
	Method string `json:"method" binding:"required"`
	Params []any  `json:"params"`
}

// ProviderHandler dApp 调用处理器
type ProviderHandler struct {
	provider Provider
}

// NewProviderHandler 创建处理器
func NewProviderHandler(provider Provider) *ProviderHandler {
	return &ProviderHandler{provider: provider}
}

// Connect 发起连接
// POST /v1/connect
func (h *ProviderHandler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	out, err := h.provider.Connect(c.Request.Context(), broker.ConnectRequest{
		Origin:    GetOrigin(c),
		Name:      req.Name,
		AccountID: req.AccountID,
		Scopes:    req.Scopes,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}

// RequestSignature 请求签名
// POST /v1/sessions/:id/signatures
func (h *ProviderHandler) RequestSignature(c *gin.Context) {
	var req SignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	out, err := h.provider.RequestSignature(c.Request.Context(), GetOrigin(c), c.Param("id"), req.Payload)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}

// CallView 只读调用
// POST /v1/sessions/:id/call
func (h *ProviderHandler) CallView(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	result, err := h.provider.CallView(c.Request.Context(), GetOrigin(c), c.Param("id"), req.Method, req.Params)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}

// Disconnect 断开会话
// DELETE /v1/sessions/:id
func (h *ProviderHandler) Disconnect(c *gin.Context) {
	out, err := h.provider.Disconnect(c.Request.Context(), GetOrigin(c), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}

// GetSession 查询会话
// GET /v1/sessions/:id
func (h *ProviderHandler) GetSession(c *gin.Context) {
	s, err := h.provider.Session(c.Request.Context(), GetOrigin(c), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, s)
}

// GetRequest 查询签名请求
// GET /v1/requests/:id
func (h *ProviderHandler) GetRequest(c *gin.Context) {
	req, err := h.provider.Request(c.Request.Context(), GetOrigin(c), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, req)
}

// CancelRequest 撤回签名请求
// POST /v1/requests/:id/cancel
func (h *ProviderHandler) CancelRequest(c *gin.Context) {
	out, err := h.provider.CancelSignature(c.Request.Context(), GetOrigin(c), c.Param("id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}
