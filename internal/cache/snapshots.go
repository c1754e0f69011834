// Package cache keeps short-lived telemetry side data in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/storagewatch/storagewatch/internal/models"
)

// DefaultSnapshotTTL keeps a previous snapshot around for a bit more than a day
const DefaultSnapshotTTL = 36 * time.Hour

// previousEntry is the snapshot a provider had before the sync at SyncedAt replaced it
type previousEntry struct {
	SyncedAt time.Time        `json:"synced_at"`
	Snapshot models.Telemetry `json:"snapshot"`
}

// Snapshots stores the telemetry each sync overwrote, keyed by provider and day
type Snapshots struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewSnapshots creates a snapshot cache. A zero ttl uses DefaultSnapshotTTL.
func NewSnapshots(client *redis.Client, ttl time.Duration) *Snapshots {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Snapshots{redis: client, ttl: ttl}
}

// Connect parses a redis:// URL and checks the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func snapshotKey(pubkey string, syncedAt time.Time) string {
	return fmt.Sprintf("telemetry:prev:%s:%s", pubkey, syncedAt.UTC().Format("2006-01-02"))
}

// Put records prev as the snapshot replaced by the sync at syncedAt
func (s *Snapshots) Put(ctx context.Context, pubkey string, syncedAt time.Time, prev models.Telemetry) error {
	if s.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(previousEntry{SyncedAt: syncedAt.UTC(), Snapshot: prev})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.redis.Set(ctx, snapshotKey(pubkey, syncedAt), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Previous returns the snapshot replaced by the sync at syncedAt, or nil when
// the cache holds nothing for exactly that sync.
func (s *Snapshots) Previous(ctx context.Context, pubkey string, syncedAt time.Time) (*models.Telemetry, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := s.redis.Get(ctx, snapshotKey(pubkey, syncedAt)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var entry previousEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if !entry.SyncedAt.Equal(syncedAt.UTC()) {
		log.Debug().Str("provider", pubkey).Time("cached_for", entry.SyncedAt).Time("current", syncedAt).
			Msg("Cached snapshot belongs to another sync")
		return nil, nil
	}
	return &entry.Snapshot, nil
}
