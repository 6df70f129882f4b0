// Package pg carries the PostgreSQL-specific infrastructure behind the auth
// store: the change-feed watcher and the presence cache.
package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"nexahse.org/internal/obs"
	"nexahse.org/internal/stream"
)

// SessionChannel is the NOTIFY channel the user_sessions trigger publishes to.
const SessionChannel = "user_sessions_changes"

const reconnectBackoff = 5 * time.Second

// Watcher turns Postgres LISTEN/NOTIFY payloads from the user_sessions
// trigger into stream events. It is the push half of takeover detection; the
// session guard's poll ticker covers any gap while the watcher reconnects.
type Watcher struct {
	dsn string
	out *stream.Stream
}

// NewWatcher constructs a watcher publishing into out.
func NewWatcher(dsn string, out *stream.Stream) *Watcher {
	return &Watcher{dsn: dsn, out: out}
}

// Run listens until ctx ends, reconnecting with a fixed backoff on failure.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if err := w.listen(ctx); err != nil && ctx.Err() == nil {
			obs.Log("warn", "session watcher disconnected", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (w *Watcher) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+SessionChannel); err != nil {
		return err
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		evt, err := decodeSessionEvent([]byte(notification.Payload))
		if err != nil {
			obs.Log("warn", "undecodable session notification", map[string]any{"error": err.Error()})
			continue
		}
		w.out.Publish(evt)
	}
}

// decodeSessionEvent parses the trigger's JSON payload.
func decodeSessionEvent(payload []byte) (stream.SessionEvent, error) {
	var raw struct {
		Op     string `json:"op"`
		Record struct {
			UserID       string    `json:"user_id"`
			SessionToken string    `json:"session_token"`
			IPAddress    string    `json:"ip_address"`
			UserAgent    string    `json:"user_agent"`
			LastSeen     time.Time `json:"last_seen"`
		} `json:"record"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return stream.SessionEvent{}, err
	}
	return stream.SessionEvent{
		Op:           raw.Op,
		UserID:       raw.Record.UserID,
		SessionToken: raw.Record.SessionToken,
		IPAddress:    raw.Record.IPAddress,
		UserAgent:    raw.Record.UserAgent,
		LastSeen:     raw.Record.LastSeen,
	}, nil
}
