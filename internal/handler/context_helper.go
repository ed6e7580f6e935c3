package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/evaluation-api/internal/middleware"
	"github.com/noah-isme/evaluation-api/internal/models"
	appErrors "github.com/noah-isme/evaluation-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

func actorID(c *gin.Context) string {
	if claims := claimsFromContext(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// actingAs rejects evaluators operating on another evaluator's copies. Staff may act for anyone.
func actingAs(c *gin.Context, evaluatorID string) error {
	claims := claimsFromContext(c)
	if claims == nil {
		return appErrors.ErrUnauthorized
	}
	if claims.Role.Staff() || claims.UserID == evaluatorID {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "cannot act for another evaluator")
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

func queryBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.Query(key))
	return v
}
