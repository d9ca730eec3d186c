package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTracker shares presence across engine instances. Liveness is a
// logical TTL: the ZSET score is the entry's expireAt in unix seconds, and
// expired members are reaped atomically before every read.
type RedisTracker struct {
	rdb redis.UniversalClient
}

func NewRedisTracker(rdb redis.UniversalClient) *RedisTracker {
	return &RedisTracker{rdb: rdb}
}

// reapScript drops members whose logical TTL has passed, together with
// their name-table entries.
//
//	KEYS[1] = zset key, KEYS[2] = names hash key, ARGV[1] = now (unix seconds)
const reapScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

var reap = redis.NewScript(reapScript)

func (t *RedisTracker) UserOnline(ctx context.Context, m Member, ttl time.Duration) error {
	return t.add(ctx, onlineKey(), onlineNamesKey(), m, ttl)
}

func (t *RedisTracker) UserOffline(ctx context.Context, userID uint64) error {
	tx := t.rdb.TxPipeline()
	tx.ZRem(ctx, onlineKey(), userID)
	tx.HDel(ctx, onlineNamesKey(), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

func (t *RedisTracker) OnlineUsers(ctx context.Context) ([]Member, error) {
	return t.alive(ctx, onlineKey(), onlineNamesKey())
}

func (t *RedisTracker) JoinDocument(ctx context.Context, docID string, m Member, ttl time.Duration) error {
	return t.add(ctx, roomKey(docID), namesKey(docID), m, ttl)
}

func (t *RedisTracker) LeaveDocument(ctx context.Context, docID string, userID uint64) error {
	tx := t.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

func (t *RedisTracker) DocumentMembers(ctx context.Context, docID string) ([]Member, error) {
	return t.alive(ctx, roomKey(docID), namesKey(docID))
}

// add registers or refreshes a member. Refreshing the TTL is the same call.
func (t *RedisTracker) add(ctx context.Context, zkey, hkey string, m Member, ttl time.Duration) error {
	meta, err := json.Marshal(m)
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(ttl).Unix()
	tx := t.rdb.TxPipeline()
	tx.ZAdd(ctx, zkey, redis.Z{Score: float64(expireAt), Member: m.UserID})
	tx.HSet(ctx, hkey, strconv.FormatUint(m.UserID, 10), meta)
	_, err = tx.Exec(ctx)
	return err
}

func (t *RedisTracker) alive(ctx context.Context, zkey, hkey string) ([]Member, error) {
	now := time.Now().Unix()

	// step1: reap expired members atomically.
	if _, err := reap.Run(ctx, t.rdb, []string{zkey, hkey}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: remaining members are alive.
	aliveIDs, err := t.rdb.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: batch-fetch member metadata.
	metas, err := t.rdb.HMGet(ctx, hkey, aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		m := Member{UserID: uid}
		if i < len(metas) && metas[i] != nil {
			if s, ok := metas[i].(string); ok {
				_ = json.Unmarshal([]byte(s), &m)
				m.UserID = uid
			}
		}
		members = append(members, m)
	}
	return members, nil
}
