package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewProviderRouter dApp 调用面路由
func NewProviderRouter(provider *ProviderHandler, subscribe *SubscribeHandler, health *HealthHandler) *gin.Engine {
	engine := gin.New()
	engine.Use(Recovery(), Logger())

	engine.GET("/healthz", health.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.Use(RequireOrigin())
	{
		v1.POST("/connect", provider.Connect)

		sessions := v1.Group("/sessions")
		sessions.GET("/:id", provider.GetSession)
		sessions.DELETE("/:id", provider.Disconnect)
		sessions.POST("/:id/signatures", provider.RequestSignature)
		sessions.POST("/:id/call", provider.CallView)

		requests := v1.Group("/requests")
		requests.GET("/:id", provider.GetRequest)
		requests.POST("/:id/cancel", provider.CancelRequest)

		v1.GET("/subscribe/:handle", subscribe.Subscribe)
	}
	return engine
}

// NewDecisionRouter 用户决策与管理通道路由，只绑定本地回环地址
func NewDecisionRouter(decision *DecisionHandler, wallet *WalletHandler) *gin.Engine {
	engine := gin.New()
	engine.Use(Recovery(), Logger())

	v1 := engine.Group("/v1")
	{
		decisions := v1.Group("/decisions")
		decisions.POST("/connections/:id", decision.DecideConnection)
		decisions.POST("/signatures/:id", decision.DecideSigning)

		sessions := v1.Group("/sessions")
		sessions.GET("", wallet.ListSessions)
		sessions.GET("/:id", wallet.GetSession)
		sessions.POST("/:id/revoke", wallet.RevokeSession)
		sessions.POST("/:id/scopes", wallet.NarrowScopes)
		sessions.GET("/:id/requests", wallet.RequestHistory)

		requests := v1.Group("/requests")
		requests.GET("", wallet.ListRequests)
		requests.GET("/:id", wallet.GetRequest)

		v1.GET("/history/sessions", wallet.SessionHistory)
		v1.GET("/accounts/:account/lane", wallet.Lane)

		endpoints := v1.Group("/endpoints")
		endpoints.GET("", wallet.ListEndpoints)
		endpoints.POST("", wallet.AddEndpoint)
		endpoints.DELETE("/:id", wallet.RemoveEndpoint)

		v1.GET("/events", wallet.Events)
	}
	return engine
}
