// Package permission 判定 origin 是否有权执行某个操作
package permission

import (
	"context"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

// DenyReason 拒绝原因
type DenyReason string

const (
	ReasonNone              DenyReason = ""
	ReasonNoActiveSession   DenyReason = "no_active_session"
	ReasonSessionPending    DenyReason = "session_pending"
	ReasonSessionExpired    DenyReason = "session_expired"
	ReasonInsufficientScope DenyReason = "insufficient_scope"
	ReasonInvalidScope      DenyReason = "invalid_scope"
)

// Verdict 判定结果
type Verdict struct {
	Allowed   bool       `json:"allowed"`
	Reason    DenyReason `json:"reason,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
}

// Err 将拒绝结果转为授权错误，允许时返回 nil
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	var err *errors.Error
	switch v.Reason {
	case ReasonSessionExpired:
		err = errors.ErrSessionExpired
	case ReasonInsufficientScope:
		err = errors.ErrInsufficientScope
	case ReasonInvalidScope:
		return errors.ErrInvalidRequest.WithMessage("unknown scope")
	default:
		err = errors.ErrNoActiveSession
	}
	if v.SessionID != "" {
		err = err.WithDetail("session_id", v.SessionID)
	}
	return err.WithDetail("reason", string(v.Reason))
}

// SessionSource 会话快照来源
type SessionSource interface {
	Snapshot(ctx context.Context, origin, accountID string) *model.Session
}

// Evaluator 权限判定器，不持有任何状态
type Evaluator struct {
	sessions SessionSource
}

// NewEvaluator 创建判定器
func NewEvaluator(sessions SessionSource) *Evaluator {
	return &Evaluator{sessions: sessions}
}

// Authorize 基于同一个会话快照判定，到期会话会在读取时被转为 Expired
func (e *Evaluator) Authorize(ctx context.Context, origin, accountID string, scope model.Scope) Verdict {
	v := e.evaluate(ctx, origin, accountID, scope)
	result := "allowed"
	if !v.Allowed {
		result = string(v.Reason)
		logger.WithContext(ctx).Debug("authorization denied",
			zap.String("origin", origin),
			zap.String("account_id", accountID),
			zap.String("scope", string(scope)),
			zap.String("reason", result))
	}
	metrics.AuthorizationVerdictsTotal.WithLabelValues(string(scope), result).Inc()
	return v
}

func (e *Evaluator) evaluate(ctx context.Context, origin, accountID string, scope model.Scope) Verdict {
	if !scope.IsValid() {
		return Verdict{Reason: ReasonInvalidScope}
	}

	s := e.sessions.Snapshot(ctx, origin, accountID)
	if s == nil {
		return Verdict{Reason: ReasonNoActiveSession}
	}

	switch s.Status {
	case model.SessionStatusActive:
	case model.SessionStatusPending:
		return Verdict{Reason: ReasonSessionPending, SessionID: s.ID}
	case model.SessionStatusExpired:
		return Verdict{Reason: ReasonSessionExpired, SessionID: s.ID}
	default:
		return Verdict{Reason: ReasonNoActiveSession, SessionID: s.ID}
	}

	if !s.GrantedScopes.Contains(scope) {
		return Verdict{Reason: ReasonInsufficientScope, SessionID: s.ID}
	}
	return Verdict{Allowed: true, SessionID: s.ID}
}
