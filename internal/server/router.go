package server

import (
	"net/http"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/auth"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/config"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/metrics"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/mw"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, h *Handler, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))
	// 控制单个调用方+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", gw.Serve())

	// 需要 Bearer Token 的业务接口。
	api := r.Group("/api/v1")
	api.Use(auth.Middleware(cfg, db))

	api.GET("/rooms", h.ListRooms)
	api.POST("/rooms", h.CreateGroupRoom)
	api.POST("/rooms/private", h.EnsurePrivateRoom)
	api.POST("/rooms/:id/invite", h.Invite)
	api.POST("/rooms/:id/leave", h.LeaveRoom)
	api.GET("/rooms/:id/messages", h.ListMessages)
	api.POST("/messages/read", h.MarkRead)
	api.GET("/presence", h.PresenceSnapshot)

	return r
}
