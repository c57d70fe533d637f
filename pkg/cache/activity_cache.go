package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LastActivityTTL is how long a subject's last-activity entry survives without updates.
	LastActivityTTL = 24 * time.Hour

	lastActivityKeyPrefix = "activity:last"
)

// LastActivity is the most recent event recorded for a subject.
type LastActivity struct {
	SubjectID int64
	EventKind string
	Timestamp time.Time
}

// recordIfNewer writes the hash only when the stored event is not newer than
// the incoming one, so a redelivered old message cannot roll the entry back.
// Timestamps are compared as unix microseconds to stay inside Lua's number precision.
var recordIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts_us')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'subject_id', ARGV[2], 'event_kind', ARGV[3], 'timestamp', ARGV[4], 'ts_us', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// ActivityCache keeps a per-subject "last seen" read model in Redis hashes.
// Key format: "activity:last:{subjectID}"
type ActivityCache struct {
	client *RedisClient
}

// NewActivityCache creates an ActivityCache backed by the given RedisClient.
func NewActivityCache(r *RedisClient) *ActivityCache {
	return &ActivityCache{client: r}
}

// RecordLast stores a as the subject's last activity unless a newer one is
// already recorded. It reports whether the entry was written.
func (c *ActivityCache) RecordLast(ctx context.Context, a *LastActivity) (bool, error) {
	ts := a.Timestamp.UTC()
	written, err := recordIfNewer.Run(ctx, c.client.Client(), []string{c.key(a.SubjectID)},
		ts.UnixMicro(),
		a.SubjectID,
		a.EventKind,
		ts.Format(time.RFC3339Nano),
		int64(LastActivityTTL/time.Second),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cache record last activity: %w", err)
	}
	return written == 1, nil
}

// GetLast returns the subject's last activity.
// Returns redis.Nil when the key does not exist or has expired.
func (c *ActivityCache) GetLast(ctx context.Context, subjectID int64) (*LastActivity, error) {
	vals, err := c.client.Client().HGetAll(ctx, c.key(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if len(vals) == 0 {
		return nil, redis.Nil
	}

	id, err := strconv.ParseInt(vals["subject_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cache parse subject_id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, vals["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("cache parse timestamp: %w", err)
	}
	return &LastActivity{SubjectID: id, EventKind: vals["event_kind"], Timestamp: ts}, nil
}

func (c *ActivityCache) key(subjectID int64) string {
	return fmt.Sprintf("%s:%d", lastActivityKeyPrefix, subjectID)
}
