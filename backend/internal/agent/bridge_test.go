package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/store"
)

type proposerFunc func(ctx context.Context, snap collab.Snapshot, req Request) (ot.Operation, error)

func (f proposerFunc) Propose(ctx context.Context, snap collab.Snapshot, req Request) (ot.Operation, error) {
	return f(ctx, snap, req)
}

// appendAtEnd 阻塞到 release 关闭，然后在快照末尾插入 "!"
func appendAtEnd(release <-chan struct{}) Proposer {
	return proposerFunc(func(ctx context.Context, snap collab.Snapshot, _ Request) (ot.Operation, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return ot.Operation{}, ctx.Err()
		}
		return ot.NewInsert("", 0, len([]rune(snap.Content)), "!"), nil
	})
}

func newService(t *testing.T, content string) (*collab.Manager, string) {
	t.Helper()
	m := collab.NewManager(collab.Options{}, store.NewMemorySnapshotStore(), store.NewMemorySessionStore())
	info, err := m.CreateSession(context.Background(), "doc-"+content, content)
	require.NoError(t, err)
	return m, info.SessionID
}

type replies chan Result

func (r replies) reply(res Result) { r <- res }

func (r replies) next(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("no agent reply")
		return Result{}
	}
}

func participantCount(t *testing.T, m *collab.Manager, sid string) int {
	info, err := m.Info(context.Background(), sid)
	require.NoError(t, err)
	return info.Participants
}

func TestBridge_ProposalIsTransformedAtSubmit(t *testing.T) {
	m, sid := newService(t, "hello")
	ctx := context.Background()
	_, err := m.Join(ctx, sid, collab.Participant{ID: "alice"}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	b := NewBridge(m, appendAtEnd(release), Options{})
	out := make(replies, 4)
	require.NoError(t, b.Request(ctx, Request{SessionID: sid, RequesterID: "alice", Query: "finish the sentence"}, out.reply))

	pending := out.next(t)
	assert.Equal(t, StatusPending, pending.Status)
	assert.NotEmpty(t, pending.RequestID)

	snap, err := m.Snapshot(ctx, sid)
	require.NoError(t, err)
	var kinds []collab.ParticipantKind
	for _, p := range snap.Participants {
		kinds = append(kinds, p.Kind)
	}
	assert.ElementsMatch(t, []collab.ParticipantKind{collab.KindHuman, collab.KindAgent}, kinds)

	// 代理思考期间人类先提交
	_, err = m.Submit(ctx, sid, ot.NewInsert("alice", 0, 0, ">> "))
	require.NoError(t, err)
	close(release)

	done := out.next(t)
	require.NoError(t, done.Err)
	assert.Equal(t, StatusApplied, done.Status)
	assert.Equal(t, pending.RequestID, done.RequestID)
	assert.Equal(t, uint64(2), done.Revision)
	require.NotNil(t, done.Operation)
	assert.Equal(t, 8, done.Operation.Position)
	assert.Equal(t, "agent", done.Operation.Author)

	b.Wait()
	snap, err = m.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, ">> hello!", snap.Content)
	assert.Equal(t, 1, participantCount(t, m, sid))
}

func TestBridge_RateLimitedPerSession(t *testing.T) {
	m, sid := newService(t, "a")

	release := make(chan struct{})
	close(release)
	b := NewBridge(m, appendAtEnd(release), Options{RatePerSecond: 0.001, Burst: 1})
	out := make(replies, 8)
	ctx := context.Background()

	require.NoError(t, b.Request(ctx, Request{SessionID: sid, Query: "one"}, out.reply))
	err := b.Request(ctx, Request{SessionID: sid, Query: "two"}, out.reply)
	require.Error(t, err)
	assert.True(t, errors.Is(err, collab.ErrRateLimited))
	assert.Equal(t, "RATE_LIMITED", collab.ErrorCode(err))
	b.Wait()

	info, err := m.CreateSession(ctx, "doc-2", "x")
	require.NoError(t, err)
	assert.NoError(t, b.Request(ctx, Request{SessionID: info.SessionID, Query: "three"}, out.reply))
	b.Wait()
}

func TestBridge_UnavailableAndValidation(t *testing.T) {
	m, sid := newService(t, "a")
	ctx := context.Background()
	noop := func(Result) {}

	err := NewBridge(m, nil, Options{}).Request(ctx, Request{SessionID: sid, Query: "hi"}, noop)
	assert.Equal(t, "AGENT_UNAVAILABLE", collab.ErrorCode(err))

	b := NewBridge(m, appendAtEnd(nil), Options{})
	err = b.Request(ctx, Request{SessionID: sid, Query: "  "}, noop)
	assert.Equal(t, "VALIDATION_ERROR", collab.ErrorCode(err))

	err = b.Request(ctx, Request{SessionID: "missing", Query: "hi"}, noop)
	assert.Equal(t, "STALE_SESSION", collab.ErrorCode(err))
	assert.False(t, NewBridge(m, nil, Options{}).Enabled())
}

func TestBridge_ProposerFailureReportsAndLeaves(t *testing.T) {
	m, sid := newService(t, "hello")
	b := NewBridge(m, proposerFunc(func(context.Context, collab.Snapshot, Request) (ot.Operation, error) {
		return ot.Operation{}, errors.New("model overloaded")
	}), Options{})
	out := make(replies, 4)

	require.NoError(t, b.Request(context.Background(), Request{ID: "req-1", SessionID: sid, Query: "hi"}, out.reply))
	assert.Equal(t, StatusPending, out.next(t).Status)
	failed := out.next(t)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "req-1", failed.RequestID)
	assert.Equal(t, "AGENT_UNAVAILABLE", collab.ErrorCode(failed.Err))

	b.Wait()
	assert.Equal(t, 0, participantCount(t, m, sid))
}

func TestBridge_ConcurrentRequestsShareOneParticipant(t *testing.T) {
	m, sid := newService(t, "hello")
	release := make(chan struct{})
	b := NewBridge(m, appendAtEnd(release), Options{Burst: 5})
	out := make(replies, 8)
	ctx := context.Background()

	require.NoError(t, b.Request(ctx, Request{SessionID: sid, Query: "one"}, out.reply))
	require.NoError(t, b.Request(ctx, Request{SessionID: sid, Query: "two"}, out.reply))
	assert.Equal(t, 1, participantCount(t, m, sid))

	close(release)
	b.Wait()
	assert.Equal(t, 0, participantCount(t, m, sid))

	snap, err := m.Snapshot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "hello!!", snap.Content)
	assert.Equal(t, uint64(2), snap.Revision)
}

type humanSub struct {
	id string

	mu     sync.Mutex
	events int
	closed error
}

func (h *humanSub) ParticipantID() string { return h.id }

func (h *humanSub) Deliver(collab.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events++
	return true
}

func (h *humanSub) Close(reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = reason
}

func TestBridge_DoesNotTakeOverConnectedHuman(t *testing.T) {
	m, sid := newService(t, "hello")
	ctx := context.Background()
	human := &humanSub{id: "agent"}
	_, err := m.Join(ctx, sid, collab.Participant{ID: "agent"}, human)
	require.NoError(t, err)

	release := make(chan struct{})
	close(release)
	b := NewBridge(m, appendAtEnd(release), Options{})
	err = b.Request(ctx, Request{SessionID: sid, Query: "hi"}, func(Result) {})
	assert.True(t, errors.Is(err, collab.ErrIdentityInUse), "got %v", err)
	b.Wait()

	snap, err := m.Snapshot(ctx, sid)
	require.NoError(t, err)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, collab.KindHuman, snap.Participants[0].Kind)
	human.mu.Lock()
	assert.NoError(t, human.closed)
	human.mu.Unlock()

	_, err = m.Submit(ctx, sid, ot.NewInsert("agent", 0, 5, "?"))
	require.NoError(t, err)

	// 失败的加入不留下引用
	b.mu.Lock()
	assert.Empty(t, b.members)
	b.mu.Unlock()
}

// slowJoin 让指定会话的 Join 阻塞到 unblock 关闭
type slowJoin struct {
	*collab.Manager
	slow    string
	entered chan struct{}
	unblock chan struct{}
}

func (s *slowJoin) Join(ctx context.Context, sessionID string, p collab.Participant, sub collab.Subscriber) (collab.Snapshot, error) {
	if sessionID == s.slow {
		close(s.entered)
		<-s.unblock
	}
	return s.Manager.Join(ctx, sessionID, p, sub)
}

func TestBridge_SlowJoinDoesNotBlockOtherSessions(t *testing.T) {
	m, slowSID := newService(t, "slow")
	info, err := m.CreateSession(context.Background(), "doc-fast", "fast")
	require.NoError(t, err)
	svc := &slowJoin{Manager: m, slow: slowSID, entered: make(chan struct{}), unblock: make(chan struct{})}

	release := make(chan struct{})
	close(release)
	b := NewBridge(svc, appendAtEnd(release), Options{})
	ctx := context.Background()

	slowErr := make(chan error, 1)
	go func() {
		slowErr <- b.Request(ctx, Request{SessionID: slowSID, Query: "one"}, func(Result) {})
	}()
	<-svc.entered

	out := make(replies, 4)
	require.NoError(t, b.Request(ctx, Request{SessionID: info.SessionID, Query: "two"}, out.reply))
	assert.Equal(t, StatusPending, out.next(t).Status)
	assert.Equal(t, StatusApplied, out.next(t).Status)

	close(svc.unblock)
	require.NoError(t, <-slowErr)
	b.Wait()

	snap, err := m.Snapshot(ctx, slowSID)
	require.NoError(t, err)
	assert.Equal(t, "slow!", snap.Content)
	assert.Equal(t, 0, participantCount(t, m, slowSID))
}
