package collab

import (
	"errors"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

// 错误文本即对外的错误码
var (
	ErrValidation         = errors.New("VALIDATION_ERROR")
	ErrUnknownParticipant = errors.New("UNKNOWN_PARTICIPANT")
	ErrRevisionTooOld     = errors.New("REVISION_TOO_OLD")
	ErrCapacity           = errors.New("CAPACITY_ERROR")
	ErrStaleSession       = errors.New("STALE_SESSION")
	ErrBackpressure       = errors.New("BACKPRESSURE")
	ErrReplaced           = errors.New("REPLACED")
	ErrSessionCorrupted   = errors.New("SESSION_CORRUPTED")
	ErrIdentityInUse      = errors.New("IDENTITY_IN_USE")
	ErrOutOfOrder         = errors.New("DUPLICATE_OR_OUT_OF_ORDER")

	// 以下由连接网关和 agent 桥使用
	ErrNotActive        = errors.New("NOT_ACTIVE")
	ErrAlreadyJoined    = errors.New("ALREADY_JOINED")
	ErrJoinTimeout      = errors.New("JOIN_TIMEOUT")
	ErrRateLimited      = errors.New("RATE_LIMITED")
	ErrAgentUnavailable = errors.New("AGENT_UNAVAILABLE")
)

const CodeInternal = "INTERNAL"

var knownErrors = []error{
	ErrValidation,
	ErrUnknownParticipant,
	ErrRevisionTooOld,
	ErrCapacity,
	ErrStaleSession,
	ErrBackpressure,
	ErrReplaced,
	ErrSessionCorrupted,
	ErrIdentityInUse,
	ErrOutOfOrder,
	ErrNotActive,
	ErrAlreadyJoined,
	ErrJoinTimeout,
	ErrRateLimited,
	ErrAgentUnavailable,
}

// ErrorCode 把错误映射成线上协议里的 code，未知错误统一为 INTERNAL
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, ot.ErrInvalidOperation) || errors.Is(err, delta.ErrOutOfRange) {
		return ErrValidation.Error()
	}
	return CodeInternal
}
