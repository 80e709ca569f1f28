package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/event"
)

// mirrorSchema versions the durable record layout so a restart can reject
// records written by an incompatible build.
const mirrorSchema = 1

// mirrorOpTimeout caps each best-effort store/remove call.
const mirrorOpTimeout = 2 * time.Second

// MirrorRecord is the versioned serializable form of a queued message.
type MirrorRecord struct {
	Schema     int       `msgpack:"schema"`
	ID         string    `msgpack:"id"`
	TargetKind string    `msgpack:"target_kind"`
	TargetID   string    `msgpack:"target_id"`
	Exclude    string    `msgpack:"exclude"`
	Priority   int       `msgpack:"priority"`
	RetryCount int       `msgpack:"retry_count"`
	MaxRetries int       `msgpack:"max_retries"`
	Event      []byte    `msgpack:"event"` // JSON-encoded envelope
	CreatedAt  time.Time `msgpack:"created_at"`
	ExpiresAt  time.Time `msgpack:"expires_at"`
}

// Mirror durably mirrors in-flight messages so a restart can reload them.
// Best-effort: failures are logged, never surfaced to enqueue callers.
type Mirror interface {
	Store(ctx context.Context, rec MirrorRecord, ttl time.Duration) error
	Remove(ctx context.Context, id string) error
	Load(ctx context.Context) ([]MirrorRecord, error)
}

// RedisMirror keeps records under prefixed keys with the message's own TTL.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

var _ Mirror = (*RedisMirror)(nil)

// NewRedisMirror constructs a mirror over an existing client. An empty
// prefix defaults to "collabhub:queue:".
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "collabhub:queue:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Store writes the record under its id with the given TTL.
func (r *RedisMirror) Store(ctx context.Context, rec MirrorRecord, ttl time.Duration) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mirror record: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+rec.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("mirror set: %w", err)
	}
	return nil
}

// Remove deletes a mirrored record.
func (r *RedisMirror) Remove(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("mirror del: %w", err)
	}
	return nil
}

// Load scans and decodes every mirrored record. Undecodable records are
// skipped; keys that expired between scan and get are ignored.
func (r *RedisMirror) Load(ctx context.Context) ([]MirrorRecord, error) {
	var out []MirrorRecord
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mirror get %s: %w", iter.Val(), err)
		}
		var rec MirrorRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("mirror scan: %w", err)
	}
	return out, nil
}

// mirrorStore writes m to the mirror, if one is attached.
func (q *Queue) mirrorStore(m *Message) {
	if q.mirror == nil {
		return
	}
	payload, err := json.Marshal(m.Event)
	if err != nil {
		q.log.Error("mirror encode", zap.String("id", m.ID), zap.Error(err))
		return
	}
	rec := MirrorRecord{
		Schema:     mirrorSchema,
		ID:         m.ID,
		TargetKind: string(m.Target.Kind),
		TargetID:   m.Target.ID,
		Exclude:    m.Target.Exclude,
		Priority:   int(m.Priority),
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		Event:      payload,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
	}
	ttl := q.cfg.DefaultTTL
	if !m.ExpiresAt.IsZero() {
		ttl = time.Until(m.ExpiresAt)
	}
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()
	if err := q.mirror.Store(ctx, rec, ttl); err != nil {
		q.log.Warn("mirror store", zap.String("id", m.ID), zap.Error(err))
	}
}

// mirrorRemove deletes m's mirrored record, if a mirror is attached.
func (q *Queue) mirrorRemove(id string) {
	if q.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()
	if err := q.mirror.Remove(ctx, id); err != nil {
		q.log.Warn("mirror remove", zap.String("id", id), zap.Error(err))
	}
}

// RestoreFromMirror reloads mirrored in-flight messages after a restart,
// skipping expired ones, and returns how many were re-queued. Restored
// messages keep their ids, so one delivered-but-unremoved record can be
// delivered twice; the mirror is a best-effort crash-recovery aid.
func (q *Queue) RestoreFromMirror(ctx context.Context) (int, error) {
	if q.mirror == nil {
		return 0, nil
	}
	recs, err := q.mirror.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("mirror load: %w", err)
	}

	now := time.Now().UTC()
	restored := 0
	for _, rec := range recs {
		if rec.Schema != mirrorSchema {
			q.log.Warn("skipping mirror record with unknown schema",
				zap.String("id", rec.ID), zap.Int("schema", rec.Schema))
			continue
		}
		if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			if err := q.mirror.Remove(ctx, rec.ID); err != nil {
				q.log.Warn("mirror remove expired", zap.String("id", rec.ID), zap.Error(err))
			}
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(rec.Event, &ev); err != nil {
			q.log.Warn("skipping undecodable mirror record",
				zap.String("id", rec.ID), zap.Error(err))
			continue
		}

		pri := Priority(rec.Priority)
		if pri < PriorityLow || pri > PriorityCritical {
			pri = PriorityNormal
		}
		m := &Message{
			ID:    rec.ID,
			Event: ev,
			Target: Target{
				Kind:    TargetKind(rec.TargetKind),
				ID:      rec.TargetID,
				Exclude: rec.Exclude,
			},
			Priority:   pri,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			RetryCount: rec.RetryCount,
			MaxRetries: rec.MaxRetries,
			Status:     StatusPending,
		}
		q.mu.Lock()
		q.tiers[pri] = append(q.tiers[pri], m)
		q.pending[m.ID] = m
		q.mu.Unlock()
		restored++
	}
	if restored > 0 {
		q.log.Info("restored messages from mirror", zap.Int("count", restored))
	}
	return restored, nil
}
