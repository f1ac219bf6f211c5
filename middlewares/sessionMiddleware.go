package middlewares

import (
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SessionMiddleware resolves the acting user stamped on documents and ledger entries.
// A "token" header is looked up in Redis ("Token:<token>" -> username). Without Redis the
// x-user-name / x-user-id headers set by the gateway are trusted instead.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		token := c.GetHeader("token")
		rdb := config.GetRedisDB()

		if token != "" && rdb != nil {
			username, err := rdb.Get(ctx, "Token:"+token).Result()
			if err == redis.Nil || (err == nil && username == "") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "Unauthorized", "message": "unauthorized"}})
				return
			} else if err != nil {
				config.LogError(config.GetLogger(), "SessionMiddleware", "SessionMiddleware", "redis get token", nil, err)
				c.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			ctx = utils.SetUserNameInContext(ctx, username)
		} else if name := strings.TrimSpace(c.GetHeader("x-user-name")); name != "" {
			ctx = utils.SetUserNameInContext(ctx, name)
		}

		if v := strings.TrimSpace(c.GetHeader("x-user-id")); v != "" {
			if id, err := strconv.Atoi(v); err == nil && id > 0 {
				ctx = utils.SetUserIdInContext(ctx, id)
			}
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
