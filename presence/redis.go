package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const roomUsersKey = "chat:room:%s:users"

// RedisSet stores each room's members in a Redis set whose key TTL is
// refreshed on every read and write.
type RedisSet struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSet connects to url (redis://...) and verifies the connection.
func NewRedisSet(url string, ttl time.Duration) (*RedisSet, error) {
	if url == "" {
		return nil, fmt.Errorf("redis: url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSet{client: c, ttl: ttl}, nil
}

var _ Set = (*RedisSet)(nil)

func usersKey(roomID string) string {
	return fmt.Sprintf(roomUsersKey, roomID)
}

func (r *RedisSet) Join(ctx context.Context, roomID, username string) error {
	key := usersKey(roomID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, username)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisSet) Leave(ctx context.Context, roomID, username string) (bool, error) {
	key := usersKey(roomID)
	var removed *redis.IntCmd
	// Redis deletes the set when it empties; Expire on a missing key is a no-op.
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, key, username)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *RedisSet) Members(ctx context.Context, roomID string) ([]string, error) {
	key := usersKey(roomID)
	var members *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, key)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result := members.Val()
	if result == nil {
		result = []string{}
	}
	sort.Strings(result)
	return result, nil
}

func (r *RedisSet) Count(ctx context.Context, roomID string) (int, error) {
	key := usersKey(roomID)
	var n *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.SCard(ctx, key)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n.Val()), nil
}

func (r *RedisSet) Clear(ctx context.Context, roomID string) error {
	return r.client.Del(ctx, usersKey(roomID)).Err()
}

func (r *RedisSet) Close() error {
	return r.client.Close()
}
