// Package cache stores actor snapshots in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fernandezvara/permkit"
)

// KeyPrefix namespaces snapshot keys.
const KeyPrefix = "permkit:snapshot:"

// DefaultTTL bounds how long a snapshot may outlive a missed invalidation.
const DefaultTTL = 5 * time.Minute

// New creates a new Redis client and checks it answers.
func New(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return client, nil
}

// Snapshots caches actor snapshots as JSON under permkit:snapshot:<userID>.
type Snapshots struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSnapshots wraps client. A non-positive ttl uses DefaultTTL.
func NewSnapshots(client redis.UniversalClient, ttl time.Duration) *Snapshots {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Snapshots{client: client, ttl: ttl}
}

// Key returns the cache key for userID.
func Key(userID int64) string {
	return KeyPrefix + strconv.FormatInt(userID, 10)
}

// Get returns the cached snapshot, or (nil, nil) when absent.
func (s *Snapshots) Get(ctx context.Context, userID int64) (*permkit.ActorSnapshot, error) {
	raw, err := s.client.Get(ctx, Key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get snapshot %d: %w", userID, err)
	}

	var snap permkit.ActorSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A corrupt entry is a miss; drop it so the next load repopulates.
		_ = s.client.Del(ctx, Key(userID)).Err()
		return nil, nil
	}
	return &snap, nil
}

// Set stores snapshot with the configured TTL.
func (s *Snapshots) Set(ctx context.Context, snapshot *permkit.ActorSnapshot) error {
	if snapshot == nil {
		return nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, Key(snapshot.UserID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set snapshot %d: %w", snapshot.UserID, err)
	}
	return nil
}

// Delete removes the snapshots of userIDs.
func (s *Snapshots) Delete(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = Key(id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete snapshots: %w", err)
	}
	return nil
}

var _ permkit.SnapshotCache = (*Snapshots)(nil)
