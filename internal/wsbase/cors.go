package wsbase

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func setCorsHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Cache-Control", "no-store")
}

// Cors sets permissive CORS headers and no-store caching, and answers
// preflight requests directly.
func Cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		setCorsHeaders(c.Writer.Header())
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// CorsHandler is Cors for handlers that must own the raw ResponseWriter,
// such as a WebSocket upgrade that hijacks the connection.
func CorsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCorsHeaders(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
