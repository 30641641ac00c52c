package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", collab.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", ot.ErrInvalidOperation), http.StatusBadRequest},
		{collab.ErrStaleSession, http.StatusNotFound},
		{collab.ErrCapacity, http.StatusConflict},
		{fmt.Errorf("%w: agent", collab.ErrIdentityInUse), http.StatusConflict},
		{collab.ErrRevisionTooOld, http.StatusConflict},
		{collab.ErrRateLimited, http.StatusTooManyRequests},
		{collab.ErrAgentUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StatusCode(c.err), "%v", c.err)
	}
}
