// Package redisstate keeps the collaboration state shared between nodes in
// Redis: which node hosts a document's session and who is looking where.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cowrite/api/internal/collab"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseTTL    = 45 * time.Second
	DefaultPresenceTTL = 2 * time.Minute
)

// refreshScript extends a lease only while owner still holds it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lease only while owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements collab.Lease and collab.PresenceMirror.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	leaseTTL    time.Duration
	presenceTTL time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, leaseTTL, presenceTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, leaseTTL, presenceTTL), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, leaseTTL, presenceTTL time.Duration) *RedisStore {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	return &RedisStore{
		client:      client,
		prefix:      "cowrite:",
		leaseTTL:    leaseTTL,
		presenceTTL: presenceTTL,
	}
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) leaseKey(documentID string) string {
	return s.prefix + "lease:" + documentID
}

func (s *RedisStore) presenceKey(documentID string) string {
	return s.prefix + "presence:" + documentID
}

// Acquire takes the document lease for owner. Re-acquiring a lease owner
// already holds extends it.
func (s *RedisStore) Acquire(ctx context.Context, documentID, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.leaseKey(documentID), owner, s.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	return s.Refresh(ctx, documentID, owner)
}

func (s *RedisStore) Refresh(ctx context.Context, documentID, owner string) (bool, error) {
	n, err := refreshScript.Run(ctx, s.client, []string{s.leaseKey(documentID)}, owner, s.leaseTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, documentID, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(documentID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Holder returns the node currently holding the document lease, or "".
func (s *RedisStore) Holder(ctx context.Context, documentID string) (string, error) {
	owner, err := s.client.Get(ctx, s.leaseKey(documentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup lease: %w", err)
	}
	return owner, nil
}

// SetPresence stores a participant's presence in the document's hash and
// pushes the hash expiry forward.
func (s *RedisStore) SetPresence(ctx context.Context, documentID string, presence collab.Presence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := s.presenceKey(documentID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, presence.ParticipantID, data)
		pipe.PExpire(ctx, key, s.presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (s *RedisStore) RemovePresence(ctx context.Context, documentID, participantID string) error {
	if err := s.client.HDel(ctx, s.presenceKey(documentID), participantID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// Presence lists the mirrored presence of a document ordered by
// participant id.
func (s *RedisStore) Presence(ctx context.Context, documentID string) ([]collab.Presence, error) {
	values, err := s.client.HGetAll(ctx, s.presenceKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]collab.Presence, 0, len(values))
	for participantID, raw := range values {
		var presence collab.Presence
		if err := json.Unmarshal([]byte(raw), &presence); err != nil {
			return nil, fmt.Errorf("unmarshal presence for %s: %w", participantID, err)
		}
		out = append(out, presence)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
