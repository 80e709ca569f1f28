// Package queue implements the priority-tiered, rate-limited outbound
// delivery queue all registry traffic flows through. It absorbs bursts,
// bounds memory via eviction, and retries transient failures with
// exponential backoff.
package queue

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/errs"
	"github.com/and161185/collabhub/internal/event"
)

// Priority orders drain across tiers; higher drains first.
type Priority int

// Priority tiers.
const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the tier name used in stats and logs.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// priorities in drain order.
var drainOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Status is a message's delivery lifecycle state.
type Status string

// Message statuses.
const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// TargetKind selects how a message's target id is resolved.
type TargetKind string

// Target kinds.
const (
	TargetConnection TargetKind = "connection"
	TargetUser       TargetKind = "user"
	TargetRoom       TargetKind = "room"
	TargetBroadcast  TargetKind = "broadcast"
)

// Target addresses a message. Exclude skips one connection on room and
// broadcast fan-out so retries preserve the original exclusion.
type Target struct {
	Kind    TargetKind
	ID      string
	Exclude string
}

// rateKey identifies the rolling-window bucket for this target.
func (t Target) rateKey() string {
	if t.ID == "" {
		return "global"
	}
	return t.ID
}

// Callback observes a message's terminal outcome. Fired exactly once, with
// success=false only after retries are exhausted.
type Callback func(m *Message, success bool)

// Message is one queued delivery.
type Message struct {
	ID          string
	Event       event.Event
	Target      Target
	Priority    Priority
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
	RetryCount  int
	MaxRetries  int
	Status      Status
	LastAttempt time.Time

	callback Callback
}

// expired reports whether the message's TTL has passed at now.
func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// DeliverFunc performs one delivery attempt for a drained message.
type DeliverFunc func(m *Message) error

// Config tunes queue behavior; zero values take defaults.
type Config struct {
	MaxSize         int           // total queued messages before eviction (default 10000)
	DefaultTTL      time.Duration // message TTL when none given (default 1h)
	BatchSize       int           // drain batch size (default 100)
	FlushInterval   time.Duration // drain loop interval (default 100ms)
	MaxRetries      int           // retries before permanent failure (default 3)
	RateLimit       int           // messages per target per window (default 100)
	RateWindow      time.Duration // rolling window length (default 60s)
	HistorySize     int           // delivered-message history bound (default 1000)
	FailedRetention time.Duration // how long failed messages are kept (default 24h)
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 24 * time.Hour
	}
	return c
}

// Stats is a snapshot of queue counters and gauges.
type Stats struct {
	Queued          uint64         `json:"messages_queued"`
	Delivered       uint64         `json:"messages_delivered"`
	Failed          uint64         `json:"messages_failed"`
	Expired         uint64         `json:"messages_expired"`
	Size            int            `json:"queue_size"`
	SizeByPriority  map[string]int `json:"queue_size_by_priority"`
	Pending         int            `json:"pending_messages"`
	FailedSet       int            `json:"failed_messages"`
	AvgDeliverySecs float64        `json:"average_delivery_time"`
	Throughput      float64        `json:"throughput_per_second"`
}

// Queue is the delivery queue. All fields are guarded by mu; background
// loops run under Run.
type Queue struct {
	cfg     Config
	log     *zap.Logger
	limiter Limiter
	mirror  Mirror

	mu      sync.Mutex
	tiers   map[Priority][]*Message
	pending map[string]*Message
	failed  map[string]*Message
	history []*Message
	running bool

	queued    uint64
	delivered uint64
	failedCnt uint64
	expired   uint64

	avgDelivery   float64
	throughput    float64
	lastDelivered uint64
}

// Option customizes a Queue.
type Option func(*Queue)

// WithMirror attaches a best-effort durable mirror for crash recovery.
func WithMirror(m Mirror) Option {
	return func(q *Queue) { q.mirror = m }
}

// WithLimiter overrides the default in-memory rolling-window limiter.
func WithLimiter(l Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// New constructs a Queue with defaulted config.
func New(cfg Config, log *zap.Logger, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		log:     log,
		tiers:   make(map[Priority][]*Message),
		pending: make(map[string]*Message),
		failed:  make(map[string]*Message),
	}
	for _, o := range opts {
		o(q)
	}
	if q.limiter == nil {
		q.limiter = newWindowLimiter(cfg.RateLimit, cfg.RateWindow)
	}
	return q
}

// Enqueue adds a message. A zero ttl takes the configured default; a
// negative ttl disables expiry. Returns errs.ErrRateLimited when the
// target's rolling window is exceeded, errs.ErrQueueFull when the queue is
// at capacity and only high/critical messages remain.
func (q *Queue) Enqueue(ev event.Event, target Target, pri Priority, ttl time.Duration, cb Callback) (string, error) {
	if pri < PriorityLow || pri > PriorityCritical {
		pri = PriorityNormal
	}
	if !q.limiter.Allow(target.rateKey()) {
		return "", errs.ErrRateLimited
	}

	now := time.Now().UTC()
	m := &Message{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Event:      ev,
		Target:     target,
		Priority:   pri,
		CreatedAt:  now,
		MaxRetries: q.cfg.MaxRetries,
		Status:     StatusPending,
	}
	switch {
	case ttl == 0:
		m.ExpiresAt = now.Add(q.cfg.DefaultTTL)
	case ttl > 0:
		m.ExpiresAt = now.Add(ttl)
	}

	q.mu.Lock()
	if q.sizeLocked() >= q.cfg.MaxSize {
		if !q.evictLocked() {
			q.mu.Unlock()
			return "", errs.ErrQueueFull
		}
	}
	q.tiers[pri] = append(q.tiers[pri], m)
	q.pending[m.ID] = m
	m.callback = cb
	q.queued++
	q.mu.Unlock()

	q.mirrorStore(m)

	q.log.Debug("message queued",
		zap.String("id", m.ID),
		zap.String("priority", pri.String()),
		zap.String("target_kind", string(target.Kind)),
	)
	return m.ID, nil
}

// Claim removes a pending message from its tier for inline delivery by the
// caller; retry and callback bookkeeping stay with the queue. Returns nil
// if the message is unknown or the drain loop already took it.
func (q *Queue) Claim(id string) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.pending[id]
	if !ok {
		return nil
	}
	if !q.removeFromTierLocked(m) {
		return nil
	}
	m.LastAttempt = time.Now().UTC()
	return m
}

// NextBatch pops up to BatchSize messages in strict priority order,
// FIFO within each tier. Expired messages are marked and skipped.
func (q *Queue) NextBatch() []*Message {
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*Message
	for _, pri := range drainOrder {
		tier := q.tiers[pri]
		for len(tier) > 0 && len(batch) < q.cfg.BatchSize {
			m := tier[0]
			tier = tier[1:]
			if m.expired(now) {
				q.markExpiredLocked(m)
				continue
			}
			batch = append(batch, m)
		}
		q.tiers[pri] = tier
		if len(batch) >= q.cfg.BatchSize {
			break
		}
	}
	return batch
}

// MarkDelivered records a successful delivery. A zero deliveryTime is
// computed from the message's age. The completion callback fires with
// success=true and the message moves to the bounded history.
func (q *Queue) MarkDelivered(id string, deliveryTime time.Duration) {
	now := time.Now().UTC()

	q.mu.Lock()
	m, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.pending, id)
	q.removeFromTierLocked(m)
	m.Status = StatusDelivered
	m.LastAttempt = now

	if deliveryTime <= 0 {
		deliveryTime = now.Sub(m.CreatedAt)
	}
	q.delivered++
	if q.delivered == 1 {
		q.avgDelivery = deliveryTime.Seconds()
	} else {
		// Exponential moving average, alpha 0.1.
		q.avgDelivery = 0.1*deliveryTime.Seconds() + 0.9*q.avgDelivery
	}

	q.history = append(q.history, m)
	if len(q.history) > q.cfg.HistorySize {
		q.history = q.history[len(q.history)-q.cfg.HistorySize:]
	}
	cb := m.callback
	m.callback = nil
	q.mu.Unlock()

	q.mirrorRemove(id)
	if cb != nil {
		cb(m, true)
	}
}

// MarkFailed records a failed attempt. Below the retry bound the message is
// re-queued after min(2^retries, 60)s at a demoted priority (critical
// retries at normal, everything else at low); past it the message becomes
// permanently failed and the callback fires with success=false.
func (q *Queue) MarkFailed(id string, deliverErr error) {
	q.mu.Lock()
	m, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.removeFromTierLocked(m)
	m.RetryCount++
	m.LastAttempt = time.Now().UTC()

	if m.RetryCount <= m.MaxRetries {
		delay := retryDelay(m.RetryCount)
		q.mu.Unlock()
		q.log.Debug("message retry scheduled",
			zap.String("id", id),
			zap.Int("retry", m.RetryCount),
			zap.Duration("delay", delay),
			zap.NamedError("cause", deliverErr),
		)
		time.AfterFunc(delay, func() { q.requeue(m) })
		return
	}

	delete(q.pending, id)
	m.Status = StatusFailed
	q.failed[id] = m
	q.failedCnt++
	cb := m.callback
	m.callback = nil
	q.mu.Unlock()

	q.mirrorRemove(id)
	q.log.Warn("message permanently failed",
		zap.String("id", id),
		zap.Int("retries", m.RetryCount-1),
		zap.NamedError("cause", deliverErr),
	)
	if cb != nil {
		cb(m, false)
	}
}

// retryDelay is the backoff before retry n: min(2^n, 60) seconds.
func retryDelay(n int) time.Duration {
	if n >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(n)) * time.Second
}

// retryPriority demotes a retried message's tier.
func retryPriority(p Priority) Priority {
	if p == PriorityCritical {
		return PriorityNormal
	}
	return PriorityLow
}

// requeue puts a retried message back on a demoted tier, unless it was
// delivered, expired, or the queue has stopped in the meantime.
func (q *Queue) requeue(m *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	if _, ok := q.pending[m.ID]; !ok || m.Status != StatusPending {
		return
	}
	pri := retryPriority(m.Priority)
	q.tiers[pri] = append(q.tiers[pri], m)
}

// Run drives the drain, expiry-sweep and metrics loops until ctx is done.
// Loop errors are logged and the loop continues on its next interval.
func (q *Queue) Run(ctx context.Context, deliver DeliverFunc) {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	drain := time.NewTicker(q.cfg.FlushInterval)
	sweep := time.NewTicker(time.Minute)
	metrics := time.NewTicker(10 * time.Second)
	defer drain.Stop()
	defer sweep.Stop()
	defer metrics.Stop()

	q.log.Info("message queue started")
	for {
		select {
		case <-ctx.Done():
			q.log.Info("message queue stopped")
			return
		case <-drain.C:
			q.drainOnce(deliver)
		case <-sweep.C:
			q.sweepExpired()
		case <-metrics.C:
			q.updateThroughput()
		}
	}
}

// drainOnce delivers one batch, marking each message by outcome.
func (q *Queue) drainOnce(deliver DeliverFunc) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("panic in queue drain",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	for _, m := range q.NextBatch() {
		start := time.Now()
		if err := deliver(m); err != nil {
			q.MarkFailed(m.ID, err)
			continue
		}
		q.MarkDelivered(m.ID, time.Since(start))
	}
}

// sweepExpired expires overdue pending messages and prunes old failed ones.
func (q *Queue) sweepExpired() {
	now := time.Now().UTC()
	q.mu.Lock()
	for _, m := range q.pending {
		if m.expired(now) {
			q.removeFromTierLocked(m)
			q.markExpiredLocked(m)
		}
	}
	for id, m := range q.failed {
		if now.Sub(m.CreatedAt) > q.cfg.FailedRetention {
			delete(q.failed, id)
		}
	}
	q.mu.Unlock()
}

// updateThroughput recomputes delivered/sec over the metrics interval.
func (q *Queue) updateThroughput() {
	q.mu.Lock()
	q.throughput = float64(q.delivered-q.lastDelivered) / 10.0
	q.lastDelivered = q.delivered
	q.mu.Unlock()
}

// Stats returns a snapshot of counters and per-tier depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := make(map[string]int, len(drainOrder))
	for _, pri := range drainOrder {
		depth[pri.String()] = len(q.tiers[pri])
	}
	return Stats{
		Queued:          q.queued,
		Delivered:       q.delivered,
		Failed:          q.failedCnt,
		Expired:         q.expired,
		Size:            q.sizeLocked(),
		SizeByPriority:  depth,
		Pending:         len(q.pending),
		FailedSet:       len(q.failed),
		AvgDeliverySecs: q.avgDelivery,
		Throughput:      q.throughput,
	}
}

// Size returns the total number of messages across tiers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// FailedMessages returns the permanently failed set.
func (q *Queue) FailedMessages() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, 0, len(q.failed))
	for _, m := range q.failed {
		out = append(out, m)
	}
	return out
}

func (q *Queue) sizeLocked() int {
	n := 0
	for _, tier := range q.tiers {
		n += len(tier)
	}
	return n
}

// evictLocked drops the oldest low-, then normal-priority message. Reports
// false when only high/critical messages remain; those are never evicted.
func (q *Queue) evictLocked() bool {
	for _, pri := range []Priority{PriorityLow, PriorityNormal} {
		tier := q.tiers[pri]
		if len(tier) == 0 {
			continue
		}
		m := tier[0]
		q.tiers[pri] = tier[1:]
		delete(q.pending, m.ID)
		q.log.Debug("evicted message at capacity", zap.String("id", m.ID))
		return true
	}
	return false
}

// removeFromTierLocked detaches m from its tier slice if still queued.
func (q *Queue) removeFromTierLocked(m *Message) bool {
	for _, pri := range drainOrder {
		tier := q.tiers[pri]
		for i, cand := range tier {
			if cand == m {
				q.tiers[pri] = append(tier[:i:i], tier[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *Queue) markExpiredLocked(m *Message) {
	m.Status = StatusExpired
	delete(q.pending, m.ID)
	q.expired++
	go q.mirrorRemove(m.ID)
}
