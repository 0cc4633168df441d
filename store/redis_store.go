package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskwarden/warden/config"
	"github.com/taskwarden/warden/types"
)

// RedisStore is the networked Backend. It leans on the store's native atomic
// primitives: SET NX PX for exclusive create, server-side scripts for the
// owner-checked delete and refresh, native TTL expiry, and a sorted set for
// the priority recovery queue.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// compareAndDelete deletes the key only when the stored record's owner_id
// matches ARGV[1]. A missing or unparsable record compares as not-owned.
var compareAndDeleteScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local ok, rec = pcall(cjson.decode, v)
if not ok or type(rec) ~= 'table' then return 0 end
if rec.owner_id ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// refresh extends the key's TTL only when owner_id matches, rewriting the
// record with the new ttl and renewed_at so read-time age stays truthful.
var refreshScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local ok, rec = pcall(cjson.decode, v)
if not ok or type(rec) ~= 'table' then return 0 end
if rec.owner_id ~= ARGV[1] then return 0 end
rec.ttl = tonumber(ARGV[2])
rec.renewed_at = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(rec), 'PX', tonumber(ARGV[4]))
return 1
`)

// NewRedisStore connects to the networked backend and verifies reachability.
func NewRedisStore(cfg config.BackendConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewError(types.ErrBackendUnavailable, "connect to "+cfg.Addr).WithCause(err).WithRetryable(true)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "warden:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		opTimeout: cfg.OpTimeout,
		logger:    logger.With(zap.String("component", "redis_store")),
		now:       time.Now,
	}, nil
}

// Close closes the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

func (s *RedisStore) key(key string) string {
	return s.keyPrefix + key
}

// bound applies the per-call timeout so no store call can hang.
func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// wrap maps transport failures onto the error taxonomy.
func (s *RedisStore) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, op+" exceeded "+s.opTimeout.String()).WithCause(err).WithRetryable(true)
	}
	return types.NewError(types.ErrBackendUnavailable, op+" failed").WithCause(err).WithRetryable(true)
}

// CreateIfAbsent implements Backend via SET NX with a millisecond TTL.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, s.wrap("create "+key, err)
	}
	return ok, nil
}

// Get implements Backend.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, errNotFound(key)
	}
	if err != nil {
		return nil, s.wrap("get "+key, err)
	}
	return data, nil
}

// Set implements Backend.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return s.wrap("set "+key, err)
	}
	return nil
}

// Delete implements Backend.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return s.wrap("delete "+key, err)
	}
	return nil
}

// CompareAndDelete implements Backend with a server-side script, so the
// owner check and the delete are one atomic step.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expectedOwner string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.key(key)}, expectedOwner).Int()
	if err != nil {
		return false, s.wrap("compare-and-delete "+key, err)
	}
	return n == 1, nil
}

// Refresh implements Backend with a server-side script.
func (s *RedisStore) Refresh(ctx context.Context, key, expectedOwner string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := refreshScript.Run(ctx, s.client, []string{s.key(key)},
		expectedOwner,
		int(ttl/time.Second),
		s.now().UTC().Format(time.RFC3339Nano),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, s.wrap("refresh "+key, err)
	}
	return n == 1, nil
}

// ListPrefix implements Backend via SCAN + MGET batches. Keys that expire
// between the scan and the fetch are silently skipped.
func (s *RedisStore) ListPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	full := s.key(prefix)
	var keys []string
	iter := s.client.Scan(ctx, 0, full+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("scan "+prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	now := s.now().UTC()
	entries := make([]Entry, 0, len(keys))
	const batch = 128
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, s.wrap("mget "+prefix, err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			data := []byte(str)
			age, _ := probeAge(data, now)
			entries = append(entries, Entry{
				Key:   strings.TrimPrefix(keys[start+i], s.keyPrefix),
				Value: data,
				Age:   age,
			})
		}
	}
	return entries, nil
}

// SetAdd implements Backend.
func (s *RedisStore) SetAdd(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.SAdd(ctx, s.key(key), member).Err(); err != nil {
		return s.wrap("sadd "+key, err)
	}
	return nil
}

// SetRemove implements Backend.
func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.SRem(ctx, s.key(key), member).Err(); err != nil {
		return s.wrap("srem "+key, err)
	}
	return nil
}

// SetMembers implements Backend.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, s.wrap("smembers "+key, err)
	}
	return members, nil
}

// QueueAdd implements Backend. The marker SET NX is the dedup guard; the
// loser of the marker race never touches the queue.
func (s *RedisStore) QueueAdd(ctx context.Context, queueKey, markerKey string, member []byte, score float64, markerTTL time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.key(markerKey), "1", markerTTL).Result()
	if err != nil {
		return false, s.wrap("mark "+markerKey, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.client.ZAdd(ctx, s.key(queueKey), redis.Z{Score: score, Member: string(member)}).Err(); err != nil {
		return false, s.wrap("zadd "+queueKey, err)
	}
	return true, nil
}

// QueuePeek implements Backend, lowest score first. ZRange would read the
// stop index -1 as "everything", so a non-positive n is handled up front.
func (s *RedisStore) QueuePeek(ctx context.Context, queueKey string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	vals, err := s.client.ZRange(ctx, s.key(queueKey), 0, int64(n-1)).Result()
	if err != nil {
		return nil, s.wrap("zrange "+queueKey, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// String describes the backend for logs and status output.
func (s *RedisStore) String() string {
	return fmt.Sprintf("redis(%s)", s.client.Options().Addr)
}

// Ensure RedisStore implements Backend.
var _ Backend = (*RedisStore)(nil)
