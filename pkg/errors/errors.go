// Package errors 定义 broker 的错误分类
//
// 四类错误:
//   - connectivity: 无可用节点、传输失败、超时。网关内部有限重试后返回，调用方可稍后重试
//   - authorization: 无会话、会话过期、权限不足、重复请求。不自动重试，直接拒绝
//   - remote: 远端返回的语义错误 (如交易无效)。不重试，作为签名请求的 Failed 结果
//   - internal: 不变量被破坏 (如终态记录再次流转)。记录日志并拒绝修改
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 错误类别
type Kind string

const (
	KindConnectivity  Kind = "connectivity"
	KindAuthorization Kind = "authorization"
	KindRemote        Kind = "remote"
	KindInternal      Kind = "internal"
	KindInvalid       Kind = "invalid"
	KindNotFound      Kind = "not_found"
)

// Error 业务错误
type Error struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Kind       Kind              `json:"kind"`
	HTTPStatus int               `json:"-"`
	GRPCCode   codes.Code        `json:"-"`
	Cause      error             `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:       e.Code,
		Message:    e.Message,
		Kind:       e.Kind,
		HTTPStatus: e.HTTPStatus,
		GRPCCode:   e.GRPCCode,
		Cause:      e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	newErr := e.Copy()
	newErr.Message = message
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// JSON 返回 JSON 格式
func (e *Error) JSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// New 创建新错误
func New(code, message string, kind Kind, httpStatus int, grpcCode codes.Code) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Kind:       kind,
		HTTPStatus: httpStatus,
		GRPCCode:   grpcCode,
	}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Wrapf 包装错误并追加信息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	return newErr
}

// 连接类错误
var (
	ErrNoHealthyEndpoint = New("NO_HEALTHY_ENDPOINT", "no healthy rpc endpoint available", KindConnectivity, http.StatusServiceUnavailable, codes.Unavailable)
	ErrRPCTimeout        = New("RPC_TIMEOUT", "rpc call timed out", KindConnectivity, http.StatusGatewayTimeout, codes.DeadlineExceeded)
	ErrRPCTransport      = New("RPC_TRANSPORT", "rpc transport failure", KindConnectivity, http.StatusBadGateway, codes.Unavailable)
)

// 授权类错误
var (
	ErrNoActiveSession   = New("NO_ACTIVE_SESSION", "no active session for origin", KindAuthorization, http.StatusForbidden, codes.PermissionDenied)
	ErrSessionExpired    = New("SESSION_EXPIRED", "session expired", KindAuthorization, http.StatusForbidden, codes.PermissionDenied)
	ErrInsufficientScope = New("INSUFFICIENT_SCOPE", "scope not granted to session", KindAuthorization, http.StatusForbidden, codes.PermissionDenied)
	ErrDuplicateRequest  = New("DUPLICATE_REQUEST", "a pending or active session already exists", KindAuthorization, http.StatusConflict, codes.AlreadyExists)
	ErrSessionNotActive  = New("SESSION_NOT_ACTIVE", "session is not active", KindAuthorization, http.StatusForbidden, codes.FailedPrecondition)
	ErrOriginMismatch    = New("ORIGIN_MISMATCH", "origin does not own session", KindAuthorization, http.StatusForbidden, codes.PermissionDenied)
	ErrRateLimited       = New("RATE_LIMITED", "too many requests from origin", KindAuthorization, http.StatusTooManyRequests, codes.ResourceExhausted)
)

// 远端语义错误
var (
	ErrRemote      = New("REMOTE_ERROR", "remote service rejected the call", KindRemote, http.StatusBadGateway, codes.FailedPrecondition)
	ErrSigner      = New("SIGNER_ERROR", "signer failed", KindRemote, http.StatusBadGateway, codes.Internal)
	ErrRequestDone = New("REQUEST_EXPIRED", "request expired before decision", KindAuthorization, http.StatusGone, codes.FailedPrecondition)
)

// 内部及通用错误
var (
	ErrInternal          = New("INTERNAL_ERROR", "internal error", KindInternal, http.StatusInternalServerError, codes.Internal)
	ErrInvalidTransition = New("INVALID_TRANSITION", "invalid state transition", KindInternal, http.StatusConflict, codes.FailedPrecondition)
	ErrNotCancellable    = New("NOT_CANCELLABLE", "record can no longer be cancelled", KindInvalid, http.StatusConflict, codes.FailedPrecondition)
	ErrInvalidRequest    = New("INVALID_REQUEST", "invalid request", KindInvalid, http.StatusBadRequest, codes.InvalidArgument)
	ErrNotFound          = New("NOT_FOUND", "resource not found", KindNotFound, http.StatusNotFound, codes.NotFound)
)

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// KindOf 返回错误类别，非业务错误视为 internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Kind
	}
	return KindInternal
}

// IsRetryable 只有连接类错误可由调用方重试
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnectivity
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// ToGRPCError 转换为 gRPC 错误
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return status.Error(bizErr.GRPCCode, bizErr.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
