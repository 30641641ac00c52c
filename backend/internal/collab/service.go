package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/store"
)

// 协作引擎接口
type Service interface {
	CreateSession(ctx context.Context, documentID, initialContent string) (SessionInfo, error)
	Info(ctx context.Context, sessionID string) (SessionInfo, error)

	Join(ctx context.Context, sessionID string, p Participant, sub Subscriber) (Snapshot, error)
	Acknowledge(ctx context.Context, sessionID, participantID string, revision uint64) error
	Leave(ctx context.Context, sessionID, participantID string) error
	// Disconnect 只有 sub 仍是该参与者当前的订阅者时才移除参与者
	Disconnect(ctx context.Context, sessionID string, sub Subscriber) error

	Submit(ctx context.Context, sessionID string, op ot.Operation) (AcceptedOperation, error)
	SubmitSeq(ctx context.Context, sessionID string, op ot.Operation, clientSeq uint64) (AcceptedOperation, error)
	UpdatePresence(ctx context.Context, sessionID string, u PresenceUpdate) (PresenceUpdate, bool, error)

	Snapshot(ctx context.Context, sessionID string) (Snapshot, error)
}

// 快照存储接口
// 只声明，实现在store中
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	LatestSnapshot(ctx context.Context, documentID string) (store.Snapshot, bool, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, rec store.SessionRecord) error
	GetSession(ctx context.Context, id string) (store.SessionRecord, error)
	FindOpenSession(ctx context.Context, documentID string) (store.SessionRecord, bool, error)
	CloseSession(ctx context.Context, id string, closedAt time.Time) error
}

// EventPublisher 在 session 锁内调用，必须非阻塞
type EventPublisher interface {
	TryEnqueue(evt DocOpEvent) bool
}

type Options struct {
	MaxParticipants int
	// 内存里最多保留的历史条数，超出后较早的一半折叠进基准快照
	HistoryLimit int
	// 每提交多少个版本持久化一次快照，0 表示只在驱逐时持久化
	SnapshotEvery  uint64
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	PersistTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = 50
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	return o
}

type ManagerOption func(*Manager)

func WithEventPublisher(p EventPublisher) ManagerOption {
	return func(m *Manager) { m.events = p }
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// Manager 持有所有在内存中的会话。
// 锁顺序：session.mu 在前，Manager.mu 在后；持有 Manager.mu 时不去拿 session.mu。
type Manager struct {
	opts      Options
	snapshots SnapshotStore
	records   SessionStore
	events    EventPublisher

	mu       sync.RWMutex
	sessions map[string]*session
	// 同一会话的并发 join 只物化一次；同一文档的并发创建只建一条记录
	loads singleflight.Group

	newBuffer func(content string) Buffer
	now       func() time.Time
	log       *slog.Logger

	persistWG sync.WaitGroup
}

var _ Service = (*Manager)(nil)

func NewManager(opts Options, snapshots SnapshotStore, records SessionStore, mopts ...ManagerOption) *Manager {
	m := &Manager{
		opts:      opts.withDefaults(),
		snapshots: snapshots,
		records:   records,
		sessions:  make(map[string]*session),
		newBuffer: func(content string) Buffer { return NewPieceTable(content) },
		now:       time.Now,
		log:       slog.With("component", "collab"),
	}
	for _, o := range mopts {
		o(m)
	}
	return m
}

func (m *Manager) MaxParticipants() int { return m.opts.MaxParticipants }

// CreateSession 同一文档已有未关闭的会话时直接返回它
func (m *Manager) CreateSession(ctx context.Context, documentID, initialContent string) (SessionInfo, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return SessionInfo{}, fmt.Errorf("%w: documentId is required", ErrValidation)
	}
	if !utf8.ValidString(initialContent) {
		return SessionInfo{}, fmt.Errorf("%w: initialContent is not valid UTF-8", ErrValidation)
	}

	v, err, _ := m.loads.Do("create:"+documentID, func() (any, error) {
		rec, ok, err := m.records.FindOpenSession(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if ok {
			return rec, nil
		}
		rec = store.SessionRecord{
			ID:              uuid.NewString(),
			DocumentID:      documentID,
			InitialContent:  initialContent,
			MaxParticipants: m.opts.MaxParticipants,
			CreatedAt:       m.now().UTC(),
		}
		if err := m.records.CreateSession(ctx, rec); err != nil {
			return nil, err
		}
		m.log.Info("session created", "session", rec.ID, "document", documentID)
		return rec, nil
	})
	if err != nil {
		return SessionInfo{}, err
	}
	rec := v.(store.SessionRecord)
	if s := m.lookup(rec.ID); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			return s.infoLocked(), nil
		}
	}
	return infoFromRecord(rec), nil
}

func (m *Manager) Info(ctx context.Context, sessionID string) (SessionInfo, error) {
	if s := m.lookup(sessionID); s != nil {
		s.mu.Lock()
		closed, info := s.closed, s.infoLocked()
		s.mu.Unlock()
		if !closed {
			return info, nil
		}
	}
	rec, err := m.records.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return SessionInfo{}, fmt.Errorf("%w: session %s not found", ErrStaleSession, sessionID)
	}
	if err != nil {
		return SessionInfo{}, err
	}
	return infoFromRecord(rec), nil
}

func infoFromRecord(rec store.SessionRecord) SessionInfo {
	return SessionInfo{
		SessionID:       rec.ID,
		DocumentID:      rec.DocumentID,
		CreatedAt:       rec.CreatedAt,
		MaxParticipants: rec.MaxParticipants,
		ClosedAt:        rec.ClosedAt,
	}
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// active 只查内存，不物化；已加入的参与者才会走到这里
func (m *Manager) active(sessionID string) (*session, error) {
	if s := m.lookup(sessionID); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: session %s is not active", ErrStaleSession, sessionID)
}

// load 取内存中的会话，没有则从会话记录和最近的快照物化
func (m *Manager) load(ctx context.Context, sessionID string) (*session, error) {
	if s := m.lookup(sessionID); s != nil {
		return s, nil
	}
	v, err, _ := m.loads.Do("load:"+sessionID, func() (any, error) {
		if s := m.lookup(sessionID); s != nil {
			return s, nil
		}
		rec, err := m.records.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %s not found", ErrStaleSession, sessionID)
		}
		if err != nil {
			return nil, err
		}
		if rec.Closed() {
			return nil, fmt.Errorf("%w: session %s is closed", ErrStaleSession, sessionID)
		}

		// 文档已有快照时以快照为准；同一会话的快照连版本号一起恢复
		content, rev := rec.InitialContent, uint64(0)
		snap, ok, err := m.snapshots.LatestSnapshot(ctx, rec.DocumentID)
		if err != nil {
			return nil, err
		}
		if ok {
			content = snap.Content
			if snap.SessionID == rec.ID {
				rev = snap.Revision
			}
		}
		maxParticipants := rec.MaxParticipants
		if maxParticipants <= 0 {
			maxParticipants = m.opts.MaxParticipants
		}

		s := newSession(rec.ID, rec.DocumentID, rec.CreatedAt, maxParticipants,
			NewDocumentState(m.newBuffer(content), rev), m.now())
		m.mu.Lock()
		m.sessions[rec.ID] = s
		m.mu.Unlock()
		activeSessions.Inc()
		m.log.Info("session loaded", "session", rec.ID, "document", rec.DocumentID, "revision", rev)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// Join 快照在锁内投递给 sub，保证它先于之后的任何操作到达。
// 已在会话中的参与者视为重连：旧订阅者以 ErrReplaced 关闭，不占名额。
func (m *Manager) Join(ctx context.Context, sessionID string, p Participant, sub Subscriber) (Snapshot, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return Snapshot{}, fmt.Errorf("%w: participantId is required", ErrValidation)
	}
	if sub != nil && sub.ParticipantID() != p.ID {
		return Snapshot{}, fmt.Errorf("%w: subscriber belongs to %s", ErrValidation, sub.ParticipantID())
	}
	switch p.Kind {
	case "":
		p.Kind = KindHuman
	case KindHuman, KindAgent:
	default:
		return Snapshot{}, fmt.Errorf("%w: unknown participant type %q", ErrValidation, p.Kind)
	}

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, fmt.Errorf("%w: session %s is closed", ErrStaleSession, sessionID)
	}

	now := m.now()
	existing, rejoin := s.participants[p.ID]
	if !rejoin && len(s.participants) >= s.maxParticipants {
		return Snapshot{}, fmt.Errorf("%w: session %s is full (%d participants)", ErrCapacity, sessionID, s.maxParticipants)
	}
	if rejoin {
		// 同一 id 不能换身份，没有连接的加入方也不能顶掉在线的连接
		if existing.Kind != p.Kind {
			return Snapshot{}, fmt.Errorf("%w: %s is already joined as %s", ErrIdentityInUse, p.ID, existing.Kind)
		}
		if sub == nil && s.subs.get(p.ID) != nil {
			return Snapshot{}, fmt.Errorf("%w: %s is connected", ErrIdentityInUse, p.ID)
		}
		if p.DisplayName != "" {
			existing.DisplayName = p.DisplayName
		}
		existing.Kind = p.Kind
		existing.LastSeenAt = now
	} else {
		s.participants[p.ID] = &Participant{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Kind:        p.Kind,
			JoinedAt:    now,
			LastSeenAt:  now,
		}
	}
	s.idleSince = time.Time{}

	snap := s.snapshotLocked(now)
	if sub != nil {
		if old := s.subs.attach(sub); old != nil {
			old.Close(ErrReplaced)
		}
		if !sub.Deliver(Event{Kind: EventSnapshot, SessionID: s.id, Snapshot: &snap}) {
			s.removeLocked(p.ID, ErrBackpressure, now)
			return Snapshot{}, fmt.Errorf("%w: snapshot not delivered to %s", ErrBackpressure, p.ID)
		}
	}
	if !rejoin {
		joined := s.participantLocked(p.ID)
		s.broadcastLocked(Event{Kind: EventJoined, Participant: &joined}, p.ID, now)
	}
	m.log.Debug("participant joined", "session", sessionID, "participant", p.ID, "kind", p.Kind,
		"rejoin", rejoin, "revision", snap.Revision)
	return snap, nil
}

func (m *Manager) Acknowledge(ctx context.Context, sessionID, participantID string, revision uint64) error {
	s, err := m.active(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session %s is closed", ErrStaleSession, sessionID)
	}
	p, ok := s.participants[participantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if revision > s.doc.Revision() {
		return fmt.Errorf("%w: acknowledged revision %d is ahead of %d", ErrValidation, revision, s.doc.Revision())
	}
	if revision > p.LastSeenRevision {
		p.LastSeenRevision = revision
	}
	p.LastSeenAt = m.now()
	return nil
}

func (m *Manager) Leave(ctx context.Context, sessionID, participantID string) error {
	s, err := m.active(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[participantID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	s.removeLocked(participantID, nil, m.now())
	m.log.Debug("participant left", "session", sessionID, "participant", participantID)
	return nil
}

func (m *Manager) Disconnect(ctx context.Context, sessionID string, sub Subscriber) error {
	s := m.lookup(sessionID)
	if s == nil || sub == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sub.ParticipantID()
	if s.subs.get(id) != sub {
		// 已被重连替换或已被移除
		return nil
	}
	s.removeLocked(id, nil, m.now())
	m.log.Debug("participant disconnected", "session", sessionID, "participant", id)
	return nil
}

// Submit 每个会话串行执行：校验，变换过 origin 之后提交的全部操作，应用，广播。
// 被拒绝的操作不会改动文档状态。
func (m *Manager) Submit(ctx context.Context, sessionID string, op ot.Operation) (AcceptedOperation, error) {
	return m.SubmitSeq(ctx, sessionID, op, 0)
}

// SubmitSeq clientSeq 非 0 时按参与者去重：等于上一次的序号视为重传，
// 返回上一次的结果并把 ack 再发给作者，不产生新版本；更小的序号直接拒绝。
func (m *Manager) SubmitSeq(ctx context.Context, sessionID string, op ot.Operation, clientSeq uint64) (accepted AcceptedOperation, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = ErrorCode(err)
		}
		operationsTotal.WithLabelValues(result).Inc()
		submitDuration.Observe(time.Since(start).Seconds())
	}()

	if err := op.Validate(); err != nil {
		return AcceptedOperation{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := ctx.Err(); err != nil {
		return AcceptedOperation{}, err
	}
	s, err := m.active(sessionID)
	if err != nil {
		return AcceptedOperation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AcceptedOperation{}, fmt.Errorf("%w: session %s is closed", ErrStaleSession, sessionID)
	}
	author, ok := s.participants[op.Author]
	if !ok {
		return AcceptedOperation{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, op.Author)
	}

	if last, ok := s.lastSeq[op.Author]; ok && clientSeq > 0 && clientSeq <= last.ClientSeq {
		if clientSeq < last.ClientSeq {
			return AcceptedOperation{}, fmt.Errorf("%w: clientSeq %d, last applied %d", ErrOutOfOrder, clientSeq, last.ClientSeq)
		}
		if sub := s.subs.get(op.Author); sub != nil && !sub.Deliver(Event{Kind: EventAck, SessionID: s.id, Operation: &last}) {
			s.dropOverflowedLocked([]string{op.Author}, m.now())
		}
		m.log.Debug("duplicate submission acknowledged again", "session", sessionID, "participant", op.Author,
			"clientSeq", clientSeq, "revision", last.Revision)
		return last, nil
	}

	// 越界按提交时基于的版本判断
	lengthAtOrigin, err := s.doc.LengthAt(op.OriginRevision)
	if err != nil {
		return AcceptedOperation{}, err
	}
	if need := op.BaseLength(); need > lengthAtOrigin {
		return AcceptedOperation{}, fmt.Errorf("%w: operation reaches %d, document had %d characters at revision %d",
			ErrValidation, need, lengthAtOrigin, op.OriginRevision)
	}

	current := s.doc.Revision()
	committed := s.doc.Since(op.OriginRevision)
	transformed := op.Normalize()
	for _, e := range committed {
		transformed = ot.Transform(transformed, e.Operation)
	}
	transformChainLength.Observe(float64(len(committed)))
	transformed.OriginRevision = current

	entry, err := s.doc.Apply(transformed)
	if err != nil {
		if errors.Is(err, ErrSessionCorrupted) {
			m.teardownLocked(s, err)
		}
		return AcceptedOperation{}, err
	}

	now := m.now()
	accepted = AcceptedOperation{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Revision:  entry.Revision,
		Operation: transformed,
		AppliedAt: now,
		ClientSeq: clientSeq,
	}
	if clientSeq > 0 {
		s.lastSeq[op.Author] = accepted
	}
	author.LastSeenRevision = entry.Revision
	author.LastSeenAt = now
	s.presence.shift(transformed.Delta())

	// 锁内投递，所有订阅者看到的都是提交顺序
	s.dropOverflowedLocked(s.subs.publishOperation(&accepted), now)
	if m.events != nil {
		m.events.TryEnqueue(newDocOpEvent(s.documentID, op.OriginRevision, &accepted))
	}
	m.maintainLocked(s, now)
	return accepted, nil
}

// maintainLocked 周期快照和历史压缩
func (m *Manager) maintainLocked(s *session, now time.Time) {
	if every := m.opts.SnapshotEvery; every > 0 && s.doc.Revision()-s.lastSnapshotRev >= every {
		s.lastSnapshotRev = s.doc.Revision()
		m.persistAsync(storeSnapshot(s.snapshotLocked(now)))
	}
	if len(s.doc.history) > m.opts.HistoryLimit {
		if err := s.doc.Compact(m.opts.HistoryLimit / 2); err != nil {
			m.teardownLocked(s, err)
		}
	}
}

// UpdatePresence 过期（seq 不大于上一次）的更新返回 accepted=false，不算错误
func (m *Manager) UpdatePresence(ctx context.Context, sessionID string, u PresenceUpdate) (PresenceUpdate, bool, error) {
	s, err := m.active(sessionID)
	if err != nil {
		return PresenceUpdate{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PresenceUpdate{}, false, fmt.Errorf("%w: session %s is closed", ErrStaleSession, sessionID)
	}
	p, ok := s.participants[u.ParticipantID]
	if !ok {
		return PresenceUpdate{}, false, fmt.Errorf("%w: %s", ErrUnknownParticipant, u.ParticipantID)
	}

	n := s.doc.Len()
	if u.Cursor < 0 || u.Cursor > n {
		return PresenceUpdate{}, false, fmt.Errorf("%w: cursor %d outside [0,%d]", ErrValidation, u.Cursor, n)
	}
	if sel := u.Selection; sel != nil {
		if sel.Start > sel.End {
			sel = &Range{Start: sel.End, End: sel.Start}
			u.Selection = sel
		}
		if sel.Start < 0 || sel.End > n {
			return PresenceUpdate{}, false, fmt.Errorf("%w: selection [%d,%d] outside [0,%d]", ErrValidation, sel.Start, sel.End, n)
		}
	}

	now := m.now()
	accepted, ok := s.presence.apply(u, now)
	if !ok {
		presenceDropped.Inc()
		return accepted, false, nil
	}
	p.LastSeenAt = now
	s.broadcastLocked(Event{Kind: EventPresence, Presence: &accepted}, u.ParticipantID, now)
	return accepted, true, nil
}

func (m *Manager) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Snapshot{}, fmt.Errorf("%w: session %s is closed", ErrStaleSession, sessionID)
	}
	return s.snapshotLocked(m.now()), nil
}

// ForceResync 完整性出错时调用：通知所有订阅者重新同步并丢弃内存状态，
// 下一次 join 从最近的快照重新物化。
func (m *Manager) ForceResync(sessionID string, reason error) error {
	s, err := m.active(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !errors.Is(reason, ErrSessionCorrupted) {
		reason = fmt.Errorf("%w: %v", ErrSessionCorrupted, reason)
	}
	m.teardownLocked(s, reason)
	return nil
}

func (m *Manager) teardownLocked(s *session, cause error) {
	if s.closed {
		return
	}
	s.closed = true
	m.log.Error("session torn down, forcing resync", "session", s.id, "document", s.documentID,
		"revision", s.doc.Revision(), "err", cause)
	s.subs.closeAll(Event{Kind: EventResync, SessionID: s.id, Reason: ErrorCode(cause)}, cause)
	s.participants = make(map[string]*Participant)
	s.presence = newPresenceTracker()
	m.forget(s)
}

func (m *Manager) forget(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		activeSessions.Dec()
	}
}

// Run 定期驱逐空闲超时的会话，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.sweep(m.now())
		}
	}
}

// sweep 返回被驱逐的会话数
func (m *Manager) sweep(now time.Time) int {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, s := range list {
		s.mu.Lock()
		if s.closed || len(s.participants) > 0 || s.idleSince.IsZero() || now.Sub(s.idleSince) < m.opts.IdleTimeout {
			s.mu.Unlock()
			continue
		}
		s.closed = true
		snap := storeSnapshot(s.snapshotLocked(now))
		m.forget(s)
		s.mu.Unlock()

		m.persist(snap)
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
		if err := m.records.CloseSession(ctx, s.id, now.UTC()); err != nil {
			m.log.Warn("close session record failed", "session", s.id, "err", err)
		}
		cancel()
		m.log.Info("idle session evicted", "session", s.id, "document", s.documentID, "revision", snap.Revision)
		evicted++
	}
	return evicted
}

// Shutdown 进程退出前为每个内存中的会话落一次快照，会话记录保持打开，重启后继续
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	now := m.now()
	for _, s := range list {
		s.mu.Lock()
		if s.closed || s.doc.Revision() == s.lastSnapshotRev {
			s.mu.Unlock()
			continue
		}
		s.lastSnapshotRev = s.doc.Revision()
		snap := storeSnapshot(s.snapshotLocked(now))
		s.mu.Unlock()
		m.persist(snap)
	}

	done := make(chan struct{})
	go func() {
		m.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func storeSnapshot(s Snapshot) store.Snapshot {
	return store.Snapshot{
		DocumentID: s.DocumentID,
		SessionID:  s.SessionID,
		Revision:   s.Revision,
		Content:    s.Content,
		CapturedAt: s.CapturedAt.UTC(),
	}
}

func (m *Manager) persistAsync(snap store.Snapshot) {
	m.persistWG.Add(1)
	go func() {
		defer m.persistWG.Done()
		m.persist(snap)
	}()
}

func (m *Manager) persist(snap store.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
	defer cancel()
	if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
		snapshotsPersisted.WithLabelValues("error").Inc()
		m.log.Warn("persist snapshot failed", "session", snap.SessionID, "revision", snap.Revision, "err", err)
		return
	}
	snapshotsPersisted.WithLabelValues("ok").Inc()
}
