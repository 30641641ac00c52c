package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
)

var statusByError = []struct {
	err    error
	status int
}{
	{collab.ErrValidation, http.StatusBadRequest},
	{collab.ErrStaleSession, http.StatusNotFound},
	{collab.ErrUnknownParticipant, http.StatusNotFound},
	{collab.ErrCapacity, http.StatusConflict},
	{collab.ErrIdentityInUse, http.StatusConflict},
	{collab.ErrOutOfOrder, http.StatusConflict},
	{collab.ErrRevisionTooOld, http.StatusConflict},
	{collab.ErrRateLimited, http.StatusTooManyRequests},
	{collab.ErrBackpressure, http.StatusServiceUnavailable},
	{collab.ErrAgentUnavailable, http.StatusServiceUnavailable},
}

// StatusCode 错误对应的 HTTP 状态码，未知错误为 500
func StatusCode(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	if collab.ErrorCode(err) == collab.ErrValidation.Error() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusCode(err), gin.H{
		"code":    collab.ErrorCode(err),
		"message": err.Error(),
	})
}
