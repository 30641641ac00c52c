package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/agent"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
)

// 连接状态机：Connecting -> Joined -> Active -> Closed
type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateJoined:
		return "joined"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// AgentBridge 由 agent.Bridge 实现
type AgentBridge interface {
	Request(ctx context.Context, req agent.Request, reply func(agent.Result)) error
}

type Options struct {
	// 收到 session_snapshot 后必须在这段时间内回 snapshot_ack
	JoinAckTimeout    time.Duration
	SubmitTimeout     time.Duration
	OutboundQueueSize int
	WriteWait         time.Duration
	PongWait          time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	// redis 在线列表和光标的过期时间，靠 heartbeat 续期
	PresenceTTL  time.Duration
	RedisTimeout time.Duration
	// 为空时只允许本地开发的来源，"*" 表示全部放行
	AllowedOrigins []string
	// 服务端自己占用的参与者 id（agent 桥），客户端不能以这些 id 加入
	ReservedIDs []string
}

func (o Options) withDefaults() Options {
	if o.JoinAckTimeout <= 0 {
		o.JoinAckTimeout = 5 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 2 * time.Second
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
	if o.RedisTimeout <= 0 {
		o.RedisTimeout = 500 * time.Millisecond
	}
	return o
}

// Conn 一个 websocket 连接，同时是会话的 Subscriber。
// 会话事件由 Deliver 非阻塞地放进 send，由 writeLoop 写出。
// c.mu 持有期间不调用 svc，Deliver/Close 可能在会话锁内被调用。
type Conn struct {
	ws       *websocket.Conn
	svc      collab.Service
	agents   AgentBridge
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
	opts     Options
	log      *slog.Logger

	sessionID string

	mu            sync.Mutex
	participantID string
	displayName   string
	state         connState
	ackTimer      *time.Timer

	// chan 不关闭，结束信号走 done
	send      chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws *websocket.Conn, sessionID string, svc collab.Service, agents AgentBridge,
	presence cache.PresenceCache, sem *collab.SemaphoreControl, opts Options) *Conn {
	opts = opts.withDefaults()
	if presence == nil {
		presence = cache.NoopPresence{}
	}
	return &Conn{
		ws:        ws,
		svc:       svc,
		agents:    agents,
		presence:  presence,
		sem:       sem,
		opts:      opts,
		log:       slog.With("component", "ws", "session", sessionID),
		sessionID: sessionID,
		send:      make(chan OutboundMessage, opts.OutboundQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Deliver 队列满时返回 false，会话会把该参与者踢出
func (c *Conn) Deliver(ev collab.Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	msg := eventMessage(ev)
	if msg == nil {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close reason 非空时先给客户端发一条 error 再关闭
func (c *Conn) Close(reason error) {
	c.shutdown(reason)
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		if c.ackTimer != nil {
			c.ackTimer.Stop()
		}
		c.mu.Unlock()
		c.closeErr = reason
		close(c.done)
	})
}

// reply 直接回给本连接的消息；队列满说明客户端读得太慢，断开
func (c *Conn) reply(msg OutboundMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.shutdown(collab.ErrBackpressure)
	}
}

func (c *Conn) replyErr(err error) {
	c.reply(newErrorMessage(err))
}

// Serve 阻塞到连接结束，结束时释放参与者名额
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 先启动写循环，确保 send 里的消息能被及时写出
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(ctx)
	c.shutdown(nil)
	<-writerDone
	c.cleanup()
}

func (c *Conn) cleanup() {
	c.mu.Lock()
	pid := c.participantID
	c.mu.Unlock()
	if pid == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RedisTimeout)
	defer cancel()
	// 已被重连替换或已离开时 Disconnect 什么都不做
	if err := c.svc.Disconnect(ctx, c.sessionID, c); err != nil {
		c.log.Warn("disconnect failed", "participant", pid, "err", err)
	}
	if errors.Is(c.closeErr, collab.ErrReplaced) {
		return
	}
	if err := c.presence.RemoveMember(ctx, c.sessionID, pid); err != nil {
		c.log.Warn("remove presence member failed", "participant", pid, "err", err)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Debug("write failed", "err", err)
				c.shutdown(nil)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(nil)
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush 写出队列里剩下的消息，然后发关闭帧
func (c *Conn) flush() {
	for drained := false; !drained; {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			drained = true
		}
	}

	code, text := websocket.CloseNormalClosure, ""
	if c.closeErr != nil {
		if err := c.write(newErrorMessage(c.closeErr)); err != nil {
			return
		}
		code, text = websocket.ClosePolicyViolation, collab.ErrorCode(c.closeErr)
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.opts.WriteWait))
}

func (c *Conn) write(msg OutboundMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteJSON(msg)
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("websocket closed unexpectedly", "participant", c.ParticipantID(), "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyErr(fmt.Errorf("%w: malformed message: %v", collab.ErrValidation, err))
			continue
		}
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle 返回 false 表示停止读取
func (c *Conn) handle(ctx context.Context, msg ClientMessage) bool {
	switch msg.Type {
	case TypeJoinSession:
		c.handleJoin(ctx, msg)
	case TypeSnapshotAck:
		c.handleAck(ctx, msg)
	case TypeDocumentUpdate:
		c.handleUpdate(ctx, msg)
	case TypeCursorUpdate, TypeSelectionUpdate:
		c.handlePresence(ctx, msg)
	case TypeAgentRequest:
		c.handleAgent(ctx, msg)
	case TypeHeartbeat:
		c.refreshPresence()
	case TypeLeaveSession:
		c.handleLeave(ctx)
		return false
	default:
		c.replyErr(fmt.Errorf("%w: unknown message type %q", collab.ErrValidation, msg.Type))
	}
	return true
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if id := strings.TrimSpace(msg.ParticipantID); slices.Contains(c.opts.ReservedIDs, id) {
		c.replyErr(fmt.Errorf("%w: participant id %q is reserved", collab.ErrIdentityInUse, id))
		return
	}
	c.mu.Lock()
	if c.state != stateConnecting {
		st := c.state
		c.mu.Unlock()
		c.replyErr(fmt.Errorf("%w: connection is %s", collab.ErrAlreadyJoined, st))
		return
	}
	// Join 会在会话锁内回调 ParticipantID，先写好
	c.participantID = strings.TrimSpace(msg.ParticipantID)
	c.displayName = msg.DisplayName
	pid := c.participantID
	c.mu.Unlock()

	snap, err := c.svc.Join(ctx, c.sessionID, collab.Participant{
		ID:          pid,
		DisplayName: msg.DisplayName,
		Kind:        collab.ParticipantKind(msg.ParticipantType),
	}, c)
	if err != nil {
		c.mu.Lock()
		c.participantID = ""
		c.mu.Unlock()
		c.log.Info("join rejected", "participant", pid, "err", err)
		c.replyErr(err)
		return
	}

	c.mu.Lock()
	if c.state == stateConnecting {
		c.state = stateJoined
		c.ackTimer = time.AfterFunc(c.opts.JoinAckTimeout, c.ackExpired)
	}
	c.mu.Unlock()
	c.log.Debug("joined", "participant", pid, "revision", snap.Revision)
	c.refreshPresence()
}

// ackExpired 超时未确认快照：释放名额并关闭连接
func (c *Conn) ackExpired() {
	c.mu.Lock()
	expired := c.state == stateJoined
	if expired {
		c.state = stateClosed
	}
	pid := c.participantID
	c.mu.Unlock()
	if !expired {
		return
	}

	c.log.Info("snapshot not acknowledged in time", "participant", pid, "timeout", c.opts.JoinAckTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RedisTimeout)
	defer cancel()
	if err := c.svc.Disconnect(ctx, c.sessionID, c); err != nil {
		c.log.Warn("disconnect failed", "participant", pid, "err", err)
	}
	c.shutdown(collab.ErrJoinTimeout)
}

func (c *Conn) handleAck(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	switch c.state {
	case stateJoined:
		c.state = stateActive
		if c.ackTimer != nil {
			c.ackTimer.Stop()
		}
	case stateActive:
		// 之后的 ack 只推进 lastSeenRevision
	default:
		st := c.state
		c.mu.Unlock()
		c.replyErr(fmt.Errorf("%w: no snapshot to acknowledge while %s", collab.ErrNotActive, st))
		return
	}
	pid := c.participantID
	c.mu.Unlock()

	if err := c.svc.Acknowledge(ctx, c.sessionID, pid, msg.Revision); err != nil {
		c.replyErr(err)
	}
}

// activeParticipant 只有 Active 状态下才能编辑和上报光标
func (c *Conn) activeParticipant() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateActive {
		return "", fmt.Errorf("%w: connection is %s", collab.ErrNotActive, c.state)
	}
	return c.participantID, nil
}

func (c *Conn) handleUpdate(ctx context.Context, msg ClientMessage) {
	rejected := func(err error) {
		m := newErrorMessage(err)
		m.ClientSeq = msg.ClientSeq
		c.reply(m)
	}
	pid, err := c.activeParticipant()
	if err != nil {
		rejected(err)
		return
	}
	if msg.Operation == nil {
		rejected(fmt.Errorf("%w: operation is required", collab.ErrValidation))
		return
	}
	op := *msg.Operation
	op.Author = pid

	submitCtx, cancel := context.WithTimeout(ctx, c.opts.SubmitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		rejected(fmt.Errorf("%w: too many submissions in flight: %v", collab.ErrBackpressure, err))
		return
	}
	defer c.sem.Release()

	// 成功时 op_applied 经由 Deliver 按提交顺序送达，重传的也一样
	if _, err := c.svc.SubmitSeq(submitCtx, c.sessionID, op, msg.ClientSeq); err != nil {
		c.log.Debug("operation rejected", "participant", pid, "origin", op.OriginRevision,
			"clientSeq", msg.ClientSeq, "err", err)
		rejected(err)
	}
}

func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) {
	pid, err := c.activeParticipant()
	if err != nil {
		c.replyErr(err)
		return
	}
	u := collab.PresenceUpdate{ParticipantID: pid, Cursor: msg.Position, Seq: msg.Seq}
	if msg.Type == TypeSelectionUpdate {
		u.Selection = &collab.Range{Start: msg.Start, End: msg.End}
		u.Cursor = msg.End
	}
	accepted, ok, err := c.svc.UpdatePresence(ctx, c.sessionID, u)
	if err != nil {
		c.replyErr(err)
		return
	}
	if !ok {
		return
	}

	data, err := json.Marshal(accepted)
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), c.opts.RedisTimeout)
	defer cancel()
	if err := c.presence.SetCursor(rctx, c.sessionID, pid, data, c.opts.PresenceTTL); err != nil {
		c.log.Warn("mirror cursor failed", "participant", pid, "err", err)
	}
}

func (c *Conn) handleAgent(ctx context.Context, msg ClientMessage) {
	pid, err := c.activeParticipant()
	if err != nil {
		c.replyErr(err)
		return
	}
	if c.agents == nil {
		c.replyErr(fmt.Errorf("%w: no agent configured", collab.ErrAgentUnavailable))
		return
	}
	req := agent.Request{SessionID: c.sessionID, RequesterID: pid, Query: msg.Query, Context: msg.Context}
	if err := c.agents.Request(ctx, req, func(r agent.Result) {
		c.reply(agentResponse(r))
	}); err != nil {
		c.replyErr(err)
	}
}

// refreshPresence 加入时和每次 heartbeat 续期 redis 里的在线状态
func (c *Conn) refreshPresence() {
	c.mu.Lock()
	pid, name := c.participantID, c.displayName
	c.mu.Unlock()
	if pid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RedisTimeout)
	defer cancel()
	if err := c.presence.AddMember(ctx, c.sessionID, pid, name, c.opts.PresenceTTL); err != nil {
		c.log.Warn("add presence member failed", "participant", pid, "err", err)
	}
}

func (c *Conn) handleLeave(ctx context.Context) {
	if pid := c.ParticipantID(); pid != "" {
		err := c.svc.Leave(ctx, c.sessionID, pid)
		if err != nil && !errors.Is(err, collab.ErrUnknownParticipant) && !errors.Is(err, collab.ErrStaleSession) {
			c.log.Warn("leave failed", "participant", pid, "err", err)
		}
	}
	c.shutdown(nil)
}
