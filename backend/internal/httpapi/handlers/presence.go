package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
)

// PresenceHandler 读 redis 里的在线镜像，给其他服务和前端查“谁在线”
type PresenceHandler struct {
	presence cache.PresenceCache
}

func NewPresenceHandler(p cache.PresenceCache) *PresenceHandler {
	return &PresenceHandler{presence: p}
}

type presenceMember struct {
	cache.PresenceMember
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// ListSessions GET /collab/presence/sessions
func (h *PresenceHandler) ListSessions(c *gin.Context) {
	sessions, err := h.presence.GetSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetMembers GET /collab/sessions/:sessionId/presence
func (h *PresenceHandler) GetMembers(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")
	members, err := h.presence.GetAliveMembersWithNames(ctx, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]presenceMember, 0, len(members))
	for _, m := range members {
		pm := presenceMember{PresenceMember: m}
		cur, err := h.presence.GetCursor(ctx, sessionID, m.ParticipantID)
		switch {
		case err == nil:
			pm.Cursor = cur
		case !errors.Is(err, redis.Nil):
			writeError(c, err)
			return
		}
		out = append(out, pm)
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "members": out})
}
