package middleware

import (
	"net/http"
	"strings"

	errs "PSync/tools/errs"
	security "PSync/tools/security"

	"github.com/gin-gonic/gin"
)

const CtxUserID = "user_id"

// JWTAuth verifies the bearer token and stashes the subject in the context.
// Token issuance lives in the auth service; only verification happens here.
func JWTAuth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid)
			return
		}
		claims, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenInvalid.WithDetail(err.Error()))
			return
		}
		c.Set(CtxUserID, claims.UserID())
		c.Next()
	}
}
