package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEntryPrefix   = "cache:entry:"
	redisVersionPrefix = "cache:version:"

	fieldValue      = "value"
	fieldVersion    = "version"
	fieldInsertedAt = "inserted_at"
	fieldTTL        = "ttl"
)

// RedisTier implements RemoteTier on a shared Redis instance. Each key is
// stored as a hash carrying the value and its metadata; the version lives
// in a separate counter key that is never deleted, keeping versions
// monotonic across entry deletions.
type RedisTier struct {
	client *redis.Client
}

// NewRedisTier wraps an established Redis client.
func NewRedisTier(client *redis.Client) *RedisTier {
	return &RedisTier{client: client}
}

// Get implements RemoteTier. Redis enforces TTL expiry itself, so an
// expired entry is simply absent.
func (r *RedisTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	fields, err := r.client.HGetAll(ctx, redisEntryPrefix+key).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	entry, err := entryFromFields(fields)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// setScript bumps the version counter and writes the entry hash in one
// atomic step, so two racing Sets can never commit an older value under a
// newer version: whichever write carries the higher version also lands
// last in the hash.
var setScript = redis.NewScript(`
local version = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "value", ARGV[1], "version", version, "inserted_at", ARGV[2], "ttl", ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[4])
else
	redis.call("PERSIST", KEYS[1])
end
return version
`)

// Set implements RemoteTier. Versioning and the entry write are atomic;
// see setScript.
func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error) {
	version, err := setScript.Run(ctx, r.client,
		[]string{redisEntryPrefix + key, redisVersionPrefix + key},
		value,
		strconv.FormatInt(time.Now().UnixNano(), 10),
		strconv.FormatInt(int64(ttl), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return uint64(version), nil
}

// Delete implements RemoteTier. The version counter is intentionally kept.
func (r *RedisTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisEntryPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func entryFromFields(fields map[string]string) (Entry, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed cache entry version: %w", err)
	}
	insertedAt, err := strconv.ParseInt(fields[fieldInsertedAt], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed cache entry timestamp: %w", err)
	}
	ttl, err := strconv.ParseInt(fields[fieldTTL], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed cache entry ttl: %w", err)
	}

	return Entry{
		Value:      []byte(fields[fieldValue]),
		Version:    version,
		InsertedAt: time.Unix(0, insertedAt),
		TTL:        time.Duration(ttl),
	}, nil
}
