package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-dapp/internal/model"
	"github.com/eidos-exchange/eidos/eidos-dapp/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// SubscribeHandler 状态事件 WebSocket 推送
type SubscribeHandler struct {
	provider Provider
	upgrader websocket.Upgrader
}

// NewSubscribeHandler 创建处理器
func NewSubscribeHandler(provider Provider) *SubscribeHandler {
	return &SubscribeHandler{provider: provider, upgrader: newUpgrader()}
}

// Subscribe 订阅会话或签名请求的状态事件，首条为当前状态，handle 归属按 origin 校验
// GET /v1/subscribe/:handle
func (h *SubscribeHandler) Subscribe(c *gin.Context) {
	origin := GetOrigin(c)
	handle := c.Param("handle")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe, err := h.provider.Subscribe(ctx, origin, handle)
	if err != nil {
		Error(c, err)
		return
	}
	defer unsubscribe()

	logger.Info("status subscriber connected",
		zap.String("origin", origin),
		zap.String("handle", handle),
		zap.String("remote", c.Request.RemoteAddr))
	streamEvents(ctx, cancel, c, h.upgrader, events, zap.String("handle", handle))
}

// streamEvents 升级为 WebSocket 并推送事件，直到连接断开或事件流关闭
func streamEvents(ctx context.Context, cancel context.CancelFunc, c *gin.Context, upgrader websocket.Upgrader,
	events <-chan model.StatusEvent, fields ...zap.Field) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", append(fields, zap.Error(err))...)
		return
	}
	defer conn.Close()

	// 读协程只处理控制帧，连接断开时结束推送
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("status subscriber write failed", append(fields, zap.Error(err))...)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 调用方身份由路由层校验
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}
