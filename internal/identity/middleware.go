package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxSessionClaims = "krishi_session_claims"

// RequireSession returns a Gin middleware that enforces a valid session
// Bearer token and injects its *SessionClaims into the context. Revocation
// is not checked here; handlers that need it ask the session store.
func RequireSession(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer session token required",
				"code":  "unauthorized",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid session token",
				"code":  "unauthorized",
			})
			return
		}

		c.Set(ctxSessionClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireSession.
// Returns nil if no session token is present in the context.
func ClaimsFromCtx(c *gin.Context) *SessionClaims {
	v, _ := c.Get(ctxSessionClaims)
	claims, _ := v.(*SessionClaims)
	return claims
}
