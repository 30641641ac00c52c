package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 在线状态的 Redis 镜像，给其他服务查“谁在线”。
// 协作引擎自己从不回读，写失败只打日志。
type PresenceCache interface {
	// AddMember 加入或刷新 TTL（心跳也调用它）
	AddMember(ctx context.Context, sessionID, participantID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, participantID string) error
	GetSessions(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, sessionID, participantID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, participantID string) ([]byte, error)
}

type PresenceMember struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

// 具体实现：基于 redis 的 PresenceCache，单机和集群都走 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员，返回清理的数量
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, sessionID, participantID, displayName string, ttl time.Duration) error {
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := p.now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: participantID})
	tx.HSet(ctx, namesKey(sessionID), participantID, displayName)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// 索引不在同一个 slot，单独写
	return p.rdb.SAdd(ctx, sessionsKey(), sessionID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), participantID)
	tx.HDel(ctx, namesKey(sessionID), participantID)
	tx.Del(ctx, cursorKey(sessionID, participantID))
	card := tx.ZCard(ctx, roomKey(sessionID))
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return p.rdb.SRem(ctx, sessionsKey(), sessionID).Err()
	}
	return nil
}

func (p *redisPresence) GetSessions(ctx context.Context) ([]string, error) {
	sessions, err := p.rdb.SMembers(ctx, sessionsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return sessions, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, participantID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, participantID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, participantID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(sessionID, participantID)).Bytes()
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{ParticipantID: id, DisplayName: name})
	}
	return members, nil
}

// NoopPresence 未配置 Redis 时使用
type NoopPresence struct{}

func (NoopPresence) AddMember(context.Context, string, string, string, time.Duration) error { return nil }
func (NoopPresence) RemoveMember(context.Context, string, string) error { return nil }
func (NoopPresence) GetSessions(context.Context) ([]string, error) { return nil, nil }
func (NoopPresence) GetAliveMembersWithNames(context.Context, string) ([]PresenceMember, error) {
	return nil, nil
}
func (NoopPresence) SetCursor(context.Context, string, string, []byte, time.Duration) error {
	return nil
}
func (NoopPresence) GetCursor(context.Context, string, string) ([]byte, error) { return nil, redis.Nil }
