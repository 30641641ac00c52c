package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

type ParticipantKind string

const (
	KindHuman ParticipantKind = "human"
	KindAgent ParticipantKind = "agent"
)

type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Participant struct {
	ID               string          `json:"participantId"`
	DisplayName      string          `json:"displayName,omitempty"`
	Kind             ParticipantKind `json:"participantType"`
	LastSeenRevision uint64          `json:"lastSeenRevision"`
	Cursor           int             `json:"cursor"`
	Selection        *Range          `json:"selection,omitempty"`
	JoinedAt         time.Time       `json:"joinedAt"`
	LastSeenAt       time.Time       `json:"lastSeenAt"`
}

type SessionInfo struct {
	SessionID       string     `json:"sessionId"`
	DocumentID      string     `json:"documentId"`
	CreatedAt       time.Time  `json:"createdAt"`
	MaxParticipants int        `json:"maxParticipants"`
	Revision        uint64     `json:"revision"`
	Participants    int        `json:"participants"`
	Loaded          bool       `json:"loaded"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

type Snapshot struct {
	SessionID    string        `json:"sessionId"`
	DocumentID   string        `json:"documentId"`
	Revision     uint64        `json:"revision"`
	Content      string        `json:"content"`
	Participants []Participant `json:"participants"`
	CapturedAt   time.Time     `json:"capturedAt"`
}

// AcceptedOperation 已提交的操作。Operation 已变换到 Revision-1 之上，
// 其 OriginRevision 即 Revision-1。
type AcceptedOperation struct {
	ID        string       `json:"operationId"`
	SessionID string       `json:"sessionId"`
	Revision  uint64       `json:"revision"`
	Operation ot.Operation `json:"operation"`
	AppliedAt time.Time    `json:"appliedAt"`
	// 客户端给这次提交编的序号，0 表示没有
	ClientSeq uint64 `json:"clientSeq,omitempty"`
}

// PresenceUpdate Seq 为 0 时由服务端分配
type PresenceUpdate struct {
	ParticipantID string    `json:"participantId"`
	Cursor        int       `json:"position"`
	Selection     *Range    `json:"selection,omitempty"`
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
}

type EventKind string

const (
	EventSnapshot  EventKind = "snapshot"
	EventJoined    EventKind = "joined"
	EventLeft      EventKind = "left"
	EventOperation EventKind = "operation"
	EventAck       EventKind = "ack"
	EventPresence  EventKind = "presence"
	EventResync    EventKind = "resync"
)

type Event struct {
	Kind        EventKind
	SessionID   string
	Snapshot    *Snapshot
	Operation   *AcceptedOperation
	Presence    *PresenceUpdate
	Participant *Participant
	Reason      string
}

// Subscriber 一个参与者的下行通道。
// Deliver 在 session 锁内调用，不能阻塞；返回 false 表示队列已满。
type Subscriber interface {
	ParticipantID() string
	Deliver(ev Event) bool
	Close(reason error)
}

type session struct {
	mu sync.Mutex

	id              string
	documentID      string
	createdAt       time.Time
	maxParticipants int

	doc          *DocumentState
	participants map[string]*Participant
	subs         *dispatcher
	presence     *presenceTracker
	// participantID -> 最近一次带 clientSeq 的提交，参与者离开时清除
	lastSeq map[string]AcceptedOperation

	// 最后一个参与者离开的时间，有人在线时为零值
	idleSince       time.Time
	lastSnapshotRev uint64
	closed          bool
}

func newSession(id, documentID string, createdAt time.Time, maxParticipants int, doc *DocumentState, now time.Time) *session {
	return &session{
		id:              id,
		documentID:      documentID,
		createdAt:       createdAt,
		maxParticipants: maxParticipants,
		doc:             doc,
		participants:    make(map[string]*Participant),
		subs:            newDispatcher(),
		presence:        newPresenceTracker(),
		lastSeq:         make(map[string]AcceptedOperation),
		idleSince:       now,
		lastSnapshotRev: doc.Revision(),
	}
}

func (s *session) participantLocked(id string) Participant {
	p := *s.participants[id]
	if cur, ok := s.presence.get(id); ok {
		p.Cursor = cur.Cursor
		if cur.Selection != nil {
			sel := *cur.Selection
			p.Selection = &sel
		}
	}
	return p
}

func (s *session) participantListLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, s.participantLocked(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *session) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		SessionID:    s.id,
		DocumentID:   s.documentID,
		Revision:     s.doc.Revision(),
		Content:      s.doc.Content(),
		Participants: s.participantListLocked(),
		CapturedAt:   now,
	}
}

func (s *session) infoLocked() SessionInfo {
	return SessionInfo{
		SessionID:       s.id,
		DocumentID:      s.documentID,
		CreatedAt:       s.createdAt,
		MaxParticipants: s.maxParticipants,
		Revision:        s.doc.Revision(),
		Participants:    len(s.participants),
		Loaded:          true,
	}
}

// broadcastLocked 发给除 except 外的所有订阅者，队列溢出的参与者被踢出
func (s *session) broadcastLocked(ev Event, except string, now time.Time) {
	ev.SessionID = s.id
	s.dropOverflowedLocked(s.subs.publish(ev, except), now)
}

func (s *session) dropOverflowedLocked(overflowed []string, now time.Time) {
	for _, id := range overflowed {
		if _, ok := s.participants[id]; ok {
			s.removeLocked(id, ErrBackpressure, now)
		} else if sub := s.subs.detach(id); sub != nil {
			sub.Close(ErrBackpressure)
		}
	}
}

// removeLocked 移除参与者并通知其他人。reason 非空时关闭其订阅者。
func (s *session) removeLocked(id string, reason error, now time.Time) {
	if _, ok := s.participants[id]; !ok {
		return
	}
	left := s.participantLocked(id)
	delete(s.participants, id)
	delete(s.lastSeq, id)
	s.presence.forget(id)
	if sub := s.subs.detach(id); sub != nil && reason != nil {
		sub.Close(reason)
	}
	if len(s.participants) == 0 {
		s.idleSince = now
	}
	s.broadcastLocked(Event{Kind: EventLeft, Participant: &left}, "", now)
}
