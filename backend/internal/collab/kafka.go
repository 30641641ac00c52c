package collab

import (
	"time"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

const EventTypeOpApplied = "OP_APPLIED"

// DocOpEvent 每个已提交操作发一条，按 sessionId 分区
type DocOpEvent struct {
	EventType      string       `json:"eventType"` // 固定 "OP_APPLIED"
	SessionID      string       `json:"sessionId"`
	DocumentID     string       `json:"documentId"`
	OperationID    string       `json:"operationId"`
	Revision       uint64       `json:"revision"`
	AuthorID       string       `json:"authorId"`
	OriginRevision uint64       `json:"originRevision"` // 客户端提交时基于的版本
	ClientSeq      uint64       `json:"clientSeq,omitempty"`
	Operation      ot.Operation `json:"operation"`
	AppliedAt      time.Time    `json:"appliedAt"`
}

func newDocOpEvent(documentID string, origin uint64, op *AcceptedOperation) DocOpEvent {
	return DocOpEvent{
		EventType:      EventTypeOpApplied,
		SessionID:      op.SessionID,
		DocumentID:     documentID,
		OperationID:    op.ID,
		Revision:       op.Revision,
		AuthorID:       op.Operation.Author,
		OriginRevision: origin,
		ClientSeq:      op.ClientSeq,
		Operation:      op.Operation,
		AppliedAt:      op.AppliedAt,
	}
}
