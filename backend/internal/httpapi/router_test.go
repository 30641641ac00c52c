package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/cache"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/collab"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/store"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ws"
)

func newTestRouter(t *testing.T, presence cache.PresenceCache, origins []string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := collab.NewManager(collab.Options{}, store.NewMemorySnapshotStore(), store.NewMemorySessionStore())
	gw := ws.NewManager(svc, nil, presence, nil, ws.Options{})
	return NewRouter(svc, presence, gw, origins)
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRouter_SessionLifecycle(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	w := do(r, http.MethodPost, "/collab/sessions", `{"documentId":"doc-1","initialContent":"hello"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	sid, _ := created["sessionId"].(string)
	require.NotEmpty(t, sid)
	assert.Equal(t, "doc-1", created["documentId"])
	assert.EqualValues(t, 50, created["maxParticipants"])

	// 同一文档重复创建返回同一个会话
	w = do(r, http.MethodPost, "/collab/sessions", `{"documentId":"doc-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, sid, decode(t, w)["sessionId"])

	w = do(r, http.MethodGet, "/collab/sessions/"+sid, "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	assert.EqualValues(t, 0, info["revision"])
	assert.EqualValues(t, 0, info["participants"])

	w = do(r, http.MethodGet, "/collab/sessions/"+sid+"/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode(t, w)
	assert.Equal(t, "hello", snap["content"])
	assert.Equal(t, sid, snap["sessionId"])
}

func TestRouter_Errors(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	w := do(r, http.MethodPost, "/collab/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w)["code"])

	w = do(r, http.MethodPost, "/collab/sessions", `{"documentId":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/collab/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "STALE_SESSION", decode(t, w)["code"])

	w = do(r, http.MethodGet, "/collab/sessions/missing/snapshot", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/collab/ws?sessionId=missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	w := do(r, http.MethodGet, "/collab/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["message"])

	w = do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "collab_active_sessions")
}

func TestRouter_PresenceFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	presence := cache.NewRedisPresence(rdb)
	r := newTestRouter(t, presence, nil)

	ctx := context.Background()
	require.NoError(t, presence.AddMember(ctx, "s-1", "alice", "Alice", time.Minute))
	require.NoError(t, presence.AddMember(ctx, "s-1", "bob", "Bob", time.Minute))
	require.NoError(t, presence.SetCursor(ctx, "s-1", "alice", []byte(`{"position":3}`), time.Minute))

	w := do(r, http.MethodGet, "/collab/sessions/s-1/presence", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Members []struct {
			ParticipantID string          `json:"participantId"`
			DisplayName   string          `json:"displayName"`
			Cursor        json.RawMessage `json:"cursor"`
		} `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Members, 2)
	for _, m := range body.Members {
		switch m.ParticipantID {
		case "alice":
			assert.Equal(t, "Alice", m.DisplayName)
			assert.JSONEq(t, `{"position":3}`, string(m.Cursor))
		case "bob":
			assert.Empty(t, m.Cursor)
		default:
			t.Fatalf("unexpected member %s", m.ParticipantID)
		}
	}

	w = do(r, http.MethodGet, "/collab/presence/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":["s-1"]}`, w.Body.String())
}

func TestRouter_CORS(t *testing.T) {
	r := newTestRouter(t, nil, []string{"https://docs.example.com"})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/collab/sessions", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	ok := preflight("https://docs.example.com")
	assert.Equal(t, http.StatusNoContent, ok.Code)
	assert.Equal(t, "https://docs.example.com", ok.Header().Get("Access-Control-Allow-Origin"))

	denied := preflight("https://evil.example")
	assert.Equal(t, http.StatusForbidden, denied.Code)
}
