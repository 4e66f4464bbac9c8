package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
)

const (
	keyPrefix = "notify:offline:"
	usersKey  = "notify:offline-users"
)

// offlineKey is a sorted set of notification ids scored by enqueue time in
// milliseconds; bodyKey holds the encoded messages by notification id.
func offlineKey(userID string) string {
	return keyPrefix + userID
}

func bodyKey(userID string) string {
	return keyPrefix + userID + ":msgs"
}

// reapScript removes every message scored at or before ARGV[1] for every
// user in KEYS[1] and returns flat (user, id, score, body) tuples.
var reapScript = redis.NewScript(`
local out = {}
for _, user in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local z = ARGV[2] .. user
	local h = z .. ':msgs'
	local ids = redis.call('ZRANGEBYSCORE', z, '-inf', ARGV[1], 'WITHSCORES')
	for i = 1, #ids, 2 do
		local body = redis.call('HGET', h, ids[i]) or ''
		redis.call('HDEL', h, ids[i])
		table.insert(out, user)
		table.insert(out, ids[i])
		table.insert(out, ids[i + 1])
		table.insert(out, body)
	end
	redis.call('ZREMRANGEBYSCORE', z, '-inf', ARGV[1])
	if redis.call('ZCARD', z) == 0 then
		redis.call('DEL', h)
		redis.call('SREM', KEYS[1], user)
	end
end
return out
`)

type offlineQueue struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewOfflineQueue stores each user's queued messages in Redis. Every message
// carries its own enqueue time, so expiry is per message and expired
// messages are handed back to the caller instead of vanishing with the key.
func NewOfflineQueue(client *redis.Client, ttl time.Duration) repository.OfflineQueue {
	return &offlineQueue{client: client, ttl: ttl, now: time.Now}
}

func (q *offlineQueue) Enqueue(ctx context.Context, msg *model.QueuedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queued message: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, offlineKey(msg.UserID), redis.Z{
			Score:  float64(msg.QueuedAt.UnixMilli()),
			Member: msg.NotificationID,
		})
		pipe.HSet(ctx, bodyKey(msg.UserID), msg.NotificationID, data)
		pipe.SAdd(ctx, usersKey, msg.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue offline message: %w", err)
	}
	return nil
}

func (q *offlineQueue) Take(ctx context.Context, userID string) ([]*model.QueuedMessage, []*model.QueuedMessage, error) {
	var (
		ids    *redis.ZSliceCmd
		bodies *redis.MapStringStringCmd
	)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ids = pipe.ZRangeWithScores(ctx, offlineKey(userID), 0, -1)
		bodies = pipe.HGetAll(ctx, bodyKey(userID))
		pipe.Del(ctx, offlineKey(userID), bodyKey(userID))
		pipe.SRem(ctx, usersKey, userID)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to take offline messages: %w", err)
	}

	byID := bodies.Val()
	var live, expired []*model.QueuedMessage
	for _, z := range ids.Val() {
		id, _ := z.Member.(string)
		msg := decode(userID, id, z.Score, byID[id])
		if q.expired(msg) {
			expired = append(expired, msg)
		} else {
			live = append(live, msg)
		}
	}
	return live, expired, nil
}

func (q *offlineQueue) Reap(ctx context.Context) ([]*model.QueuedMessage, error) {
	if q.ttl <= 0 {
		return nil, nil
	}
	cutoff := q.now().Add(-q.ttl).UnixMilli()

	raw, err := reapScript.Run(ctx, q.client, []string{usersKey}, cutoff, keyPrefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to reap offline messages: %w", err)
	}

	msgs := make([]*model.QueuedMessage, 0, len(raw)/4)
	for i := 0; i+3 < len(raw); i += 4 {
		score, _ := strconv.ParseFloat(raw[i+2], 64)
		msgs = append(msgs, decode(raw[i], raw[i+1], score, raw[i+3]))
	}
	return msgs, nil
}

func (q *offlineQueue) Len(ctx context.Context, userID string) (int, error) {
	n, err := q.client.ZCard(ctx, offlineKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count offline messages: %w", err)
	}
	return int(n), nil
}

func (q *offlineQueue) expired(msg *model.QueuedMessage) bool {
	return q.ttl > 0 && !msg.QueuedAt.After(q.now().Add(-q.ttl))
}

// decode never drops an entry: a body that cannot be read comes back with a
// nil payload so the caller can still settle its delivery record.
func decode(userID, id string, score float64, body string) *model.QueuedMessage {
	var msg model.QueuedMessage
	if body == "" || json.Unmarshal([]byte(body), &msg) != nil {
		return &model.QueuedMessage{
			NotificationID: id,
			UserID:         userID,
			QueuedAt:       time.UnixMilli(int64(score)),
		}
	}
	return &msg
}
