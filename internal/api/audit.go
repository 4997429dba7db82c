package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matthewgaim/homebot/internal/db"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 500
)

// audit records a console action. Failing to write the entry never fails the
// request that caused it.
func (s *Server) audit(ctx context.Context, userID, action, guildID, module, details string) {
	err := s.store.AddAudit(ctx, db.AuditEntry{
		UserID:  userID,
		GuildID: guildID,
		Action:  action,
		Module:  module,
		Details: details,
	})
	if err != nil {
		s.log.Error("Writing audit entry failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Server) getAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultAuditLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
				return
			}
			limit = min(n, maxAuditLimit)
		}

		entries, err := s.store.ListAudit(c, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []db.AuditEntry{}
		}
		c.JSON(http.StatusOK, entries)
	}
}

func joinSorted(items []string) string {
	slices.Sort(items)
	return strings.Join(items, ", ")
}
