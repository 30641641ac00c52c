package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
)

const (
	StatusPending = "pending"
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

type Request struct {
	ID          string
	SessionID   string
	RequesterID string
	Query       string
	Context     string
}

type Result struct {
	RequestID string
	Status    string
	Revision  uint64
	Operation *ot.Operation
	Err       error
}

// Proposer 根据快照给出一个编辑，Position 等基于 snap.Content。
// Author 和 OriginRevision 由 Bridge 填写。
type Proposer interface {
	Propose(ctx context.Context, snap collab.Snapshot, req Request) (ot.Operation, error)
}

type Options struct {
	ParticipantID string
	DisplayName   string
	// 每个会话的令牌桶
	RatePerSecond float64
	Burst         int
	MaxConcurrent int
	Timeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.ParticipantID == "" {
		o.ParticipantID = "agent"
	}
	if o.DisplayName == "" {
		o.DisplayName = "Assistant"
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 0.5
	}
	if o.Burst <= 0 {
		o.Burst = 3
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 8
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// Bridge 把 AI 代理当作普通参与者接入会话：读快照（不占会话锁），
// 异步调用 Proposer，再以快照版本为 origin 走普通的 Submit，由服务端变换到最新。
type Bridge struct {
	svc      collab.Service
	proposer Proposer
	opts     Options
	sem      *collab.SemaphoreControl
	log      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	members  map[string]*membership

	wg sync.WaitGroup
}

// NewBridge proposer 为 nil 时所有请求返回 AGENT_UNAVAILABLE
func NewBridge(svc collab.Service, proposer Proposer, opts Options) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		svc:      svc,
		proposer: proposer,
		opts:     opts,
		sem:      collab.NewSemaphoreControl(opts.MaxConcurrent),
		log:      slog.With("component", "agent_bridge"),
		limiters: make(map[string]*rate.Limiter),
		members:  make(map[string]*membership),
	}
}

// membership 一个会话里 agent 参与者的引用计数。
// refs 由 Bridge.mu 保护；Join/Leave 只持有本会话的 mu，不阻塞其他会话。
type membership struct {
	refs int

	mu     sync.Mutex
	joined bool
}

func (b *Bridge) Enabled() bool { return b.proposer != nil }

// ParticipantID agent 在会话中使用的 id，客户端不应占用
func (b *Bridge) ParticipantID() string { return b.opts.ParticipantID }

// Request 同步做限流和加入会话，成功后先回调一次 pending，最终结果异步回调。
func (b *Bridge) Request(ctx context.Context, req Request, reply func(Result)) error {
	if b.proposer == nil {
		return fmt.Errorf("%w: no agent configured", collab.ErrAgentUnavailable)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fmt.Errorf("%w: empty agent query", collab.ErrValidation)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !b.limiter(req.SessionID).Allow() {
		return fmt.Errorf("%w: agent requests for session %s", collab.ErrRateLimited, req.SessionID)
	}
	if err := b.acquire(ctx, req.SessionID); err != nil {
		return err
	}

	reply(Result{RequestID: req.ID, Status: StatusPending})
	b.wg.Add(1)
	go b.run(req, reply)
	return nil
}

// Wait 等待所有进行中的请求结束
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) limiter(sessionID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.opts.RatePerSecond), b.opts.Burst)
		b.limiters[sessionID] = l
	}
	return l
}

// acquire 第一个请求让 agent 参与者加入会话
func (b *Bridge) acquire(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	m, ok := b.members[sessionID]
	if !ok {
		m = &membership{}
		b.members[sessionID] = m
	}
	m.refs++
	b.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joined {
		return nil
	}
	_, err := b.svc.Join(ctx, sessionID, collab.Participant{
		ID:          b.opts.ParticipantID,
		DisplayName: b.opts.DisplayName,
		Kind:        collab.KindAgent,
	}, nil)
	if err != nil {
		b.unref(sessionID, m)
		return err
	}
	m.joined = true
	return nil
}

// unref 减少引用，归零且仍是当前条目时删除
func (b *Bridge) unref(sessionID string, m *membership) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.refs--
	if m.refs == 0 && b.members[sessionID] == m {
		delete(b.members, sessionID)
		if l, ok := b.limiters[sessionID]; ok && l.Tokens() >= float64(b.opts.Burst) {
			delete(b.limiters, sessionID)
		}
	}
}

func (b *Bridge) refs(m *membership) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return m.refs
}

func (b *Bridge) release(sessionID string) {
	b.mu.Lock()
	m := b.members[sessionID]
	b.mu.Unlock()
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 先离开再释放引用：新的 acquire 要么看到 joined 为真，要么等本次 Leave 结束后重新 Join
	if b.refs(m) == 1 && m.joined {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := b.svc.Leave(ctx, sessionID, b.opts.ParticipantID)
		cancel()
		if err != nil && !errors.Is(err, collab.ErrUnknownParticipant) && !errors.Is(err, collab.ErrStaleSession) {
			b.log.Warn("agent leave failed", "session", sessionID, "err", err)
		}
		m.joined = false
	}
	b.unref(sessionID, m)
}

func (b *Bridge) run(req Request, reply func(Result)) {
	defer b.wg.Done()
	defer b.release(req.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	res, err := b.propose(ctx, req)
	if err != nil {
		b.log.Warn("agent request failed", "session", req.SessionID, "request", req.ID, "err", err)
		reply(Result{RequestID: req.ID, Status: StatusFailed, Err: err})
		return
	}
	reply(res)
}

func (b *Bridge) propose(ctx context.Context, req Request) (Result, error) {
	if err := b.sem.Acquire(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %v", collab.ErrAgentUnavailable, err)
	}
	defer b.sem.Release()

	snap, err := b.svc.Snapshot(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	op, err := b.proposer.Propose(ctx, snap, req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", collab.ErrAgentUnavailable, err)
	}
	op.Author = b.opts.ParticipantID
	op.OriginRevision = snap.Revision

	accepted, err := b.svc.Submit(ctx, req.SessionID, op)
	if err != nil {
		return Result{}, err
	}
	b.log.Info("agent edit applied", "session", req.SessionID, "request", req.ID,
		"origin", snap.Revision, "revision", accepted.Revision)
	return Result{
		RequestID: req.ID,
		Status:    StatusApplied,
		Revision:  accepted.Revision,
		Operation: &accepted.Operation,
	}, nil
}
