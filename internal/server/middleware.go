package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentcom/hub/internal/token"
)

// agentIDHeader names the caller for bearer-token verification.
const agentIDHeader = "X-Agent-ID"

// requireToken verifies the caller's bearer token against the issued-token
// store. Mutating APIs sit behind it; local read surfaces do not.
func requireToken(tokens *token.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.GetHeader(agentIDHeader)
		auth := c.GetHeader("Authorization")
		bearer, ok := strings.CutPrefix(auth, "Bearer ")
		if agentID == "" || !ok || bearer == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		if err := tokens.Verify(agentID, bearer); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
