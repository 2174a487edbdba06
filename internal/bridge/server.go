// Package bridge is the local HTTP surface UI processes use to drive a chat
// session: REST routes for commands and reads, and a /ws push channel.
package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/wsbase"
)

// New returns the bridge's root handler. /ws goes straight to hub because
// the WebSocket upgrade hijacks the connection, which gin's ResponseWriter
// refuses once the 101 is written; everything else is the gin router.
func New(cfg config.Config, session Session, hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsbase.CorsHandler(hub))
	mux.Handle("/", NewRouter(cfg, session))
	return mux
}

// NewRouter wires the REST routes.
func NewRouter(cfg config.Config, session Session) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery(), requestLogger(), wsbase.Cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewHandler(session, cfg.Polling)
	api := router.Group("/api", wsbase.RequireToken(cfg.Bridge.Token))
	{
		api.GET("/status", h.Status)
		api.PUT("/identity", h.SetIdentity)
		api.DELETE("/identity", h.ClearIdentity)
		api.PUT("/conversation", h.SetConversation)
		api.POST("/connection/ensure", h.EnsureConnection)
		api.POST("/connection/retry", h.Retry)
		api.GET("/typing", h.Typing)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/conversations/:id/messages", h.SendMessage)
		api.POST("/conversations/:id/typing", h.SendTyping)
	}
	return router
}

// NewServer wraps router in an http.Server for addr.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" {
			return
		}
		slog.DebugContext(c.Request.Context(), "bridge request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
