package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"supportchat/internal/infra/config"
	"supportchat/internal/infra/obs"
)

type Handlers struct {
	Chat           ChatHTTP
	Realtime       gin.HandlerFunc
	AuthMiddleware gin.HandlerFunc
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(cfg, obsMW, health, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the gin engine without binding it to an address.
func NewRouter(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)
	router.GET("/metrics", obs.MetricsHandler())

	api := router.Group("/api/v1")
	if h.Chat != nil {
		chatGroup := api.Group("/chat")
		chatGroup.GET("/room", h.Chat.MyRoom)
		chatGroup.POST("/messages", h.Chat.SendAsCustomer)
		chatGroup.GET("/rooms", h.Chat.ListRooms)
		chatGroup.POST("/rooms", h.Chat.CreateRoom)
		chatGroup.GET("/rooms/:id", h.Chat.GetRoom)
		chatGroup.POST("/rooms/:id/close", h.Chat.CloseRoom)
		chatGroup.POST("/rooms/:id/assign", h.Chat.AssignRoom)
		chatGroup.GET("/rooms/:id/messages", h.Chat.ListMessages)
		chatGroup.POST("/rooms/:id/messages", h.Chat.SendMessage)
		chatGroup.POST("/rooms/:id/read", h.Chat.MarkRead)
		chatGroup.GET("/rooms/:id/unread", h.Chat.UnreadCount)
	}
	if h.Realtime != nil {
		router.GET("/ws", h.Realtime)
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
			"Retry-After",
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
