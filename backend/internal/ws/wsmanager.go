package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
)

// 未配置 AllowedOrigins 时允许本地开发环境的来源
var localOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		allowed = localOrigins
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

// Manager 处理 /collab/ws 升级，并跟踪所有活动连接以便退出时关闭
type Manager struct {
	svc      collab.Service
	agents   AgentBridge
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewManager agents 可以为 nil；sem 限制进程内同时进行的提交数
func NewManager(svc collab.Service, agents AgentBridge, presence cache.PresenceCache,
	sem *collab.SemaphoreControl, opts Options) *Manager {
	opts = opts.withDefaults()
	if sem == nil {
		sem = collab.NewSemaphoreControl(collab.DefaultSemaphoreSize)
	}
	return &Manager{
		svc:      svc,
		agents:   agents,
		presence: presence,
		sem:      sem,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		log:   slog.With("component", "ws"),
		conns: make(map[*Conn]struct{}),
	}
}

// WebSocketConnect GET /collab/ws?sessionId=...
// 会话不存在或已关闭时直接返回 404，不做升级
func (m *Manager) WebSocketConnect(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": collab.ErrValidation.Error(), "message": "missing sessionId"})
		return
	}
	info, err := m.svc.Info(c.Request.Context(), sessionID)
	if err == nil && info.ClosedAt != nil {
		err = collab.ErrStaleSession
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, collab.ErrStaleSession) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, sessionID, m.svc, m.agents, m.presence, m.sem, m.opts)
	if !m.track(wsConn) {
		wsConn.Close(collab.ErrStaleSession)
	}
	defer m.untrack(wsConn)

	// 阻塞至连接关闭
	wsConn.Serve(context.WithoutCancel(c.Request.Context()))
}

func (m *Manager) track(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	return true
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c]; ok {
		delete(m.conns, c)
		m.wg.Done()
	}
}

// Connections 当前活动连接数
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll 关闭所有连接并拒绝新连接，等待它们退出或 ctx 结束
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close(nil)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
