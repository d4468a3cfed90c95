// Package handler 提供 dApp 调用面和用户决策通道的 HTTP 处理
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/errors"
)

// CodeSuccess 成功响应码
const CodeSuccess = "OK"

// Response 统一响应结构
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// PagedResponse 分页响应
type PagedResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
	Meta    PageMeta    `json:"meta"`
}

// PageMeta 分页元数据
type PageMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// SuccessPaged 分页成功响应
func SuccessPaged(c *gin.Context, data interface{}, page, pageSize int, total int64) {
	c.JSON(http.StatusOK, &PagedResponse{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
		Meta: PageMeta{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	})
}

// Error 返回业务错误响应，错误详情放在 data 中
func Error(c *gin.Context, err error) {
	bizErr := errors.FromError(err)
	resp := &Response{
		Code:    bizErr.Code,
		Message: bizErr.Message,
	}
	if len(bizErr.Details) > 0 || bizErr.Kind != "" {
		resp.Data = gin.H{
			"kind":      bizErr.Kind,
			"retryable": errors.IsRetryable(bizErr),
			"details":   bizErr.Details,
		}
	}
	if bizErr.Kind == errors.KindInternal {
		_ = c.Error(err)
	}
	c.JSON(errors.ToHTTPStatus(bizErr), resp)
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, errors.ErrInvalidRequest.WithMessage(message))
}

// GetOrigin 从 context 获取调用方 origin
func GetOrigin(c *gin.Context) string {
	origin, _ := c.Get(OriginKey)
	if o, ok := origin.(string); ok {
		return o
	}
	return ""
}
