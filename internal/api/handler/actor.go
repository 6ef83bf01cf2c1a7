package handler

import (
	"database/sql"

	"github.com/gin-gonic/gin"
)

// actorContextKey is where the auth middleware parks the caller identity.
const actorContextKey = "actor_user_id"

// SetActor records the authenticated caller on the request context.
func SetActor(c *gin.Context, userID string) {
	c.Set(actorContextKey, userID)
}

// ActorFromContext returns the caller identity set by the auth middleware.
// The second return is false when no identity was attached or it has the
// wrong type, so handlers never trust an unchecked cast.
func ActorFromContext(c *gin.Context) (string, bool) {
	v, exists := c.Get(actorContextKey)
	if !exists {
		return "", false
	}
	userID, ok := v.(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
