package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const presencePrefix = "nexahse:presence:"

// PresenceEntry is the cached view of a recently seen device session.
type PresenceEntry struct {
	UserID    string    `json:"user_id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	LastSeen  time.Time `json:"last_seen"`
}

// Presence is a TTL'd last-seen cache over Redis, written through on session
// registration and activity. It exists for operator visibility; session
// validity is decided only by the Postgres row.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPresence constructs a presence cache; entries expire after ttl.
func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 35 * time.Minute
	}
	return &Presence{client: client, ttl: ttl}
}

// Touch records the identity as recently active.
func (p *Presence) Touch(ctx context.Context, entry PresenceEntry) error {
	if entry.LastSeen.IsZero() {
		entry.LastSeen = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, presencePrefix+entry.UserID, data, p.ttl).Err()
}

// Forget drops the identity's presence entry.
func (p *Presence) Forget(ctx context.Context, userID string) error {
	return p.client.Del(ctx, presencePrefix+userID).Err()
}

// Active lists all identities seen within the TTL window.
func (p *Presence) Active(ctx context.Context) ([]PresenceEntry, error) {
	var entries []PresenceEntry
	iter := p.client.Scan(ctx, 0, presencePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := p.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry PresenceEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
