// Package wsbase holds the HTTP plumbing shared by the bridge routes: token
// auth, CORS, WebSocket accept, and conversation filters.
package wsbase

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
)

// IsAuthorizedRequest accepts a bearer header or a ?token= query parameter.
// An empty configured token authorizes everything.
func IsAuthorizedRequest(token string, r *http.Request) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if TokensEqual(token, strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))) {
			return true
		}
	}
	return TokensEqual(token, strings.TrimSpace(r.URL.Query().Get("token")))
}

// TokensEqual compares in constant time. Empty tokens never match.
func TokensEqual(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}

// RequireToken rejects unauthorized requests with 401.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthorizedRequest(token, c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// AcceptWebSocket upgrades the request, allowing the given origin patterns.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
}
