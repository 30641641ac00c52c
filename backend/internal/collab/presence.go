package collab

import (
	"time"

	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot"
	"github.com/NModlin/GremlinsAI-backend-sub002/backend/internal/ot/delta"
)

// presenceTracker 每个参与者最后一次的光标/选区，后到者胜。
// 由 session 锁保护。
type presenceTracker struct {
	state map[string]PresenceUpdate
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{state: make(map[string]PresenceUpdate)}
}

// apply 接受 seq 更大的更新；seq 为 0 时取上一次 +1。
// 过期的更新返回 false，调用方直接丢弃。
func (t *presenceTracker) apply(u PresenceUpdate, now time.Time) (PresenceUpdate, bool) {
	last, ok := t.state[u.ParticipantID]
	switch {
	case u.Seq == 0:
		u.Seq = last.Seq + 1
	case ok && u.Seq <= last.Seq:
		return last, false
	}
	if u.Selection != nil {
		sel := *u.Selection
		u.Selection = &sel
	}
	u.Timestamp = now
	t.state[u.ParticipantID] = u
	return u, true
}

func (t *presenceTracker) get(participantID string) (PresenceUpdate, bool) {
	u, ok := t.state[participantID]
	return u, ok
}

func (t *presenceTracker) forget(participantID string) {
	delete(t.state, participantID)
}

// shift 提交一个操作后把所有光标推过去，不改变 seq
func (t *presenceTracker) shift(d delta.Delta) {
	if d.IsNoop() {
		return
	}
	for id, u := range t.state {
		u.Cursor = ot.TransformIndex(u.Cursor, d)
		if u.Selection != nil {
			u.Selection = &Range{
				Start: ot.TransformIndex(u.Selection.Start, d),
				End:   ot.TransformIndex(u.Selection.End, d),
			}
		}
		t.state[id] = u
	}
}
