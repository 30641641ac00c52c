package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):    会话在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):   会话内 participantId→displayName 映射（Hash）
// - cursorKey(sessionID, participantID): 最近一次光标（String，JSON，带 TTL）
// - sessionsKey():         有在线成员的会话索引（Set<sessionID>）
//
// 同一会话的 room / names / cursor 用 {sid:...} hash tag 落在同一个 slot，集群下 Lua 和事务可用。

const (
	keyRoomFmt     = "presence:room:{sid:%s}"
	keyNamesFmt    = "presence:room:names:{sid:%s}"
	keyCursorFmt   = "presence:cursor:{sid:%s}:%s"
	keySessionsSet = "presence:sessions"
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID, participantID string) string {
	return fmt.Sprintf(keyCursorFmt, sessionID, participantID)
}
func sessionsKey() string { return keySessionsSet }
