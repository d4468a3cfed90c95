package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
)

// Decider 用户决策入口
type Decider interface {
	DecideConnection(ctx context.Context, sessionID string, approve bool, scopes []string) (model.AuthorizationOutcome, error)
	DecideSigning(ctx context.Context, requestID string, approve bool) (model.AuthorizationOutcome, error)
}

// DecisionRequest 决策请求体
type DecisionRequest struct {
	Approve *bool    `json:"approve" binding:"required"`
	Scopes  []string `json:"scopes"`
}

// DecisionHandler 用户决策处理器，只在本地回环端口暴露
type DecisionHandler struct {
	decider Decider
}

// NewDecisionHandler 创建处理器
func NewDecisionHandler(decider Decider) *DecisionHandler {
	return &DecisionHandler{decider: decider}
}

// DecideConnection 连接请求决策
// POST /v1/decisions/connections/:id
func (h *DecisionHandler) DecideConnection(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	out, err := h.decider.DecideConnection(c.Request.Context(), c.Param("id"), *req.Approve, req.Scopes)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}

// DecideSigning 签名请求决策
// POST /v1/decisions/signatures/:id
func (h *DecisionHandler) DecideSigning(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	out, err := h.decider.DecideSigning(c.Request.Context(), c.Param("id"), *req.Approve)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, out)
}
