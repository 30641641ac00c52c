package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/httpapi/handlers"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ws"
)

// NewRouter allowedOrigins 为空时允许任意来源
func NewRouter(svc collab.Service, presence cache.PresenceCache, gateway *ws.Manager, allowedOrigins []string) *gin.Engine {
	if presence == nil {
		presence = cache.NoopPresence{}
	}

	r := gin.New()
	// 中间件
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  originAllowed(allowedOrigins),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	sessions := handlers.NewSessionHandler(svc)
	presenceH := handlers.NewPresenceHandler(presence)

	// 路由
	g := r.Group("/collab")
	g.POST("/sessions", sessions.CreateSession)
	g.GET("/sessions/:sessionId", sessions.GetSession)
	g.GET("/sessions/:sessionId/snapshot", sessions.GetSnapshot)
	g.GET("/sessions/:sessionId/presence", presenceH.GetMembers)
	g.GET("/presence/sessions", presenceH.ListSessions)
	g.GET("/ws", gateway.WebSocketConnect)
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func originAllowed(allowed []string) func(origin string) bool {
	return func(origin string) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}
