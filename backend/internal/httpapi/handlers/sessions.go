package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
)

type SessionHandler struct {
	svc collab.Service
}

func NewSessionHandler(svc collab.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type createSessionReq struct {
	DocumentID     string `json:"documentId" binding:"required"`
	InitialContent string `json:"initialContent"`
}

// CreateSession POST /collab/sessions
// 文档已有打开的会话时返回已有会话
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", collab.ErrValidation, err))
		return
	}
	info, err := h.svc.CreateSession(c.Request.Context(), req.DocumentID, req.InitialContent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId":       info.SessionID,
		"documentId":      info.DocumentID,
		"createdAt":       info.CreatedAt,
		"maxParticipants": info.MaxParticipants,
	})
}

// GetSession GET /collab/sessions/:sessionId
func (h *SessionHandler) GetSession(c *gin.Context) {
	info, err := h.svc.Info(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetSnapshot GET /collab/sessions/:sessionId/snapshot
// 会话不在内存时会从最近的快照物化
func (h *SessionHandler) GetSnapshot(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
