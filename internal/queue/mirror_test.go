package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/event"
)

type fakeMirror struct {
	mu      sync.Mutex
	records map[string]MirrorRecord
	removed []string
	loadErr error
}

var _ Mirror = (*fakeMirror)(nil)

func newFakeMirror() *fakeMirror {
	return &fakeMirror{records: make(map[string]MirrorRecord)}
}

func (f *fakeMirror) Store(_ context.Context, rec MirrorRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeMirror) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeMirror) Load(_ context.Context) ([]MirrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make([]MirrorRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeMirror) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

func TestQueue_MirrorsEnqueueAndDelivery(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()
	q := New(Config{}, zap.NewNop(), WithMirror(mirror))

	id, err := q.Enqueue(testEvent(), Target{Kind: TargetUser, ID: "alice"}, PriorityHigh, 0, nil)
	require.NoError(t, err)
	require.True(t, mirror.has(id))

	q.MarkDelivered(id, 0)
	require.False(t, mirror.has(id))
}

func TestRestoreFromMirror_RebuildsPending(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()

	src := New(Config{}, zap.NewNop(), WithMirror(mirror))
	id, err := src.Enqueue(testEvent(), Target{Kind: TargetRoom, ID: "document_d1", Exclude: "c9"}, PriorityCritical, 0, nil)
	require.NoError(t, err)

	// A fresh queue sees the mirrored message after a simulated restart.
	dst := New(Config{}, zap.NewNop(), WithMirror(mirror))
	n, err := dst.RestoreFromMirror(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batch := dst.NextBatch()
	require.Len(t, batch, 1)
	m := batch[0]
	require.Equal(t, id, m.ID)
	require.Equal(t, PriorityCritical, m.Priority)
	require.Equal(t, TargetRoom, m.Target.Kind)
	require.Equal(t, "document_d1", m.Target.ID)
	require.Equal(t, "c9", m.Target.Exclude)
	require.Equal(t, event.TypeSystemNotification, m.Event.Type)
}

func TestRestoreFromMirror_SkipsExpiredAndUnknownSchema(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()
	payload, err := json.Marshal(testEvent())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, mirror.Store(context.Background(), MirrorRecord{
		Schema:    mirrorSchema,
		ID:        "expired",
		Priority:  int(PriorityNormal),
		Event:     payload,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}, 0))
	require.NoError(t, mirror.Store(context.Background(), MirrorRecord{
		Schema:    mirrorSchema + 1,
		ID:        "future-schema",
		Priority:  int(PriorityNormal),
		Event:     payload,
		CreatedAt: now,
	}, 0))
	require.NoError(t, mirror.Store(context.Background(), MirrorRecord{
		Schema:    mirrorSchema,
		ID:        "live",
		Priority:  int(PriorityNormal),
		Event:     payload,
		CreatedAt: now,
	}, 0))

	q := New(Config{}, zap.NewNop(), WithMirror(mirror))
	n, err := q.RestoreFromMirror(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batch := q.NextBatch()
	require.Len(t, batch, 1)
	require.Equal(t, "live", batch[0].ID)

	// The expired record was also cleaned out of the mirror.
	require.False(t, mirror.has("expired"))
}
