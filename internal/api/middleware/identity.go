package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/livedesk/internal/domain"
)

// OperatorHeader carries the already authenticated operator ID
const OperatorHeader = "X-Operator-ID"

const identityKey = "livedesk.identity"

// OperatorLookup resolves operator records
type OperatorLookup interface {
	Operator(ctx context.Context, id string) (*domain.Operator, error)
}

// Identity resolves the calling operator from OperatorHeader and stores it
// on the context.
func Identity(lookup OperatorLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(OperatorHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator identity required"})
			return
		}

		op, err := lookup.Operator(c.Request.Context(), id)
		if errors.Is(err, domain.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown operator"})
			return
		}
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Set(identityKey, domain.Identity{OperatorID: op.ID, Role: op.Role})
		c.Next()
	}
}

// GetIdentity returns the identity stored by Identity
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}
