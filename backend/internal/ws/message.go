package ws

import (
	"time"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/agent"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

// 客户端 -> 服务端
const (
	TypeJoinSession     = "join_session"
	TypeSnapshotAck     = "snapshot_ack"
	TypeDocumentUpdate  = "document_update"
	TypeCursorUpdate    = "cursor_update"
	TypeSelectionUpdate = "selection_update"
	TypeAgentRequest    = "agent_request"
	TypeHeartbeat       = "heartbeat"
	TypeLeaveSession    = "leave_session"
)

// 服务端 -> 客户端（document_update / cursor_update / selection_update 双向共用）
const (
	TypeSessionSnapshot = "session_snapshot"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeOpApplied       = "op_applied"
	TypeAgentResponse   = "agent_response"
	TypeResyncRequired  = "resync_required"
	TypeError           = "error"
)

type ClientMessage struct {
	Type string `json:"type"`

	// join_session
	ParticipantID   string `json:"participantId,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	ParticipantType string `json:"participantType,omitempty"`

	// snapshot_ack
	Revision uint64 `json:"revision,omitempty"`

	// document_update。clientSeq 可选，同一参与者递增，重传时沿用原值
	Operation *ot.Operation `json:"operation,omitempty"`
	ClientSeq uint64        `json:"clientSeq,omitempty"`

	// cursor_update / selection_update
	Position int    `json:"position,omitempty"`
	Start    int    `json:"start,omitempty"`
	End      int    `json:"end,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`

	// agent_request
	Query   string `json:"query,omitempty"`
	Context string `json:"context,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type SnapshotMessage struct {
	Type         string               `json:"type"` // 固定 "session_snapshot"
	SessionID    string               `json:"sessionId"`
	DocumentID   string               `json:"documentId"`
	Revision     uint64               `json:"revision"`
	Content      string               `json:"content"`
	Participants []collab.Participant `json:"participants"`
}

type ParticipantMessage struct {
	Type        string             `json:"type"` // "user_joined" / "user_left"
	SessionID   string             `json:"sessionId"`
	Participant collab.Participant `json:"participant"`
}

// 广播给会话内其他参与者的“已应用操作”事件
// - 与 op_applied(ack) 区分：这里用于把变更推送给其他协作者
// - 客户端收到后把本地未确认的操作变换过它，再应用，本地 revision 对齐到 revision
type OperationMessage struct {
	Type        string       `json:"type"` // "document_update" / "op_applied"
	SessionID   string       `json:"sessionId"`
	OperationID string       `json:"operationId"`
	Revision    uint64       `json:"revision"` // 服务端已应用后的最新版本
	Operation   ot.Operation `json:"operation"`
	AppliedAt   time.Time    `json:"appliedAt"`
	ClientSeq   uint64       `json:"clientSeq,omitempty"` // 只在 op_applied 中回显
}

type PresenceMessage struct {
	Type          string `json:"type"` // "cursor_update" / "selection_update"
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Position      int    `json:"position"`
	Start         *int   `json:"start,omitempty"`
	End           *int   `json:"end,omitempty"`
	Seq           uint64 `json:"seq"`
}

type AgentResponseMessage struct {
	Type      string        `json:"type"` // 固定 "agent_response"
	RequestID string        `json:"requestId"`
	Status    string        `json:"status"`
	Revision  uint64        `json:"revision,omitempty"`
	Operation *ot.Operation `json:"operation,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type ResyncMessage struct {
	Type      string `json:"type"` // 固定 "resync_required"
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type ErrorMessage struct {
	Type      string `json:"type"` // 固定 "error"
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientSeq uint64 `json:"clientSeq,omitempty"` // 被拒绝的 document_update 带来的序号
}

func (m SnapshotMessage) MessageType() string      { return m.Type }
func (m ParticipantMessage) MessageType() string   { return m.Type }
func (m OperationMessage) MessageType() string     { return m.Type }
func (m PresenceMessage) MessageType() string      { return m.Type }
func (m AgentResponseMessage) MessageType() string { return m.Type }
func (m ResyncMessage) MessageType() string        { return m.Type }
func (m ErrorMessage) MessageType() string         { return m.Type }

func newErrorMessage(err error) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: collab.ErrorCode(err), Message: err.Error()}
}

// eventMessage 把会话事件翻译成线上消息
func eventMessage(ev collab.Event) OutboundMessage {
	switch ev.Kind {
	case collab.EventSnapshot:
		s := ev.Snapshot
		return SnapshotMessage{Type: TypeSessionSnapshot, SessionID: s.SessionID, DocumentID: s.DocumentID,
			Revision: s.Revision, Content: s.Content, Participants: s.Participants}
	case collab.EventJoined:
		return ParticipantMessage{Type: TypeUserJoined, SessionID: ev.SessionID, Participant: *ev.Participant}
	case collab.EventLeft:
		return ParticipantMessage{Type: TypeUserLeft, SessionID: ev.SessionID, Participant: *ev.Participant}
	case collab.EventOperation, collab.EventAck:
		t := TypeDocumentUpdate
		if ev.Kind == collab.EventAck {
			t = TypeOpApplied
		}
		op := ev.Operation
		msg := OperationMessage{Type: t, SessionID: op.SessionID, OperationID: op.ID, Revision: op.Revision,
			Operation: op.Operation, AppliedAt: op.AppliedAt}
		if ev.Kind == collab.EventAck {
			msg.ClientSeq = op.ClientSeq
		}
		return msg
	case collab.EventPresence:
		p := ev.Presence
		msg := PresenceMessage{Type: TypeCursorUpdate, SessionID: ev.SessionID, ParticipantID: p.ParticipantID,
			Position: p.Cursor, Seq: p.Seq}
		if p.Selection != nil {
			start, end := p.Selection.Start, p.Selection.End
			msg.Type, msg.Start, msg.End = TypeSelectionUpdate, &start, &end
		}
		return msg
	case collab.EventResync:
		return ResyncMessage{Type: TypeResyncRequired, SessionID: ev.SessionID, Reason: ev.Reason}
	}
	return nil
}

func agentResponse(r agent.Result) AgentResponseMessage {
	msg := AgentResponseMessage{
		Type:      TypeAgentResponse,
		RequestID: r.RequestID,
		Status:    r.Status,
		Revision:  r.Revision,
		Operation: r.Operation,
	}
	if r.Err != nil {
		msg.Code = collab.ErrorCode(r.Err)
		msg.Message = r.Err.Error()
	}
	return msg
}
