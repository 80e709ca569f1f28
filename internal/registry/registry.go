// Package registry owns live connections, user and room membership, and
// delivers individual and broadcast events. All outbound traffic flows
// through the delivery queue so priority ordering, rate limiting and retry
// apply uniformly.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/errs"
	"github.com/and161185/collabhub/internal/event"
	"github.com/and161185/collabhub/internal/queue"
)

// documentRoomPrefix marks rooms that carry collaborative presence.
const documentRoomPrefix = "document_"

// capabilities enumerated in the welcome event.
var capabilities = []string{
	"processing_updates",
	"export_updates",
	"zone_updates",
	"collaborative_editing",
	"user_presence",
	"conflict_resolution",
}

// Config tunes registry background behavior; zero values take defaults.
type Config struct {
	StaleThreshold time.Duration // heartbeat age before forced disconnect (default 300s)
	SweepInterval  time.Duration // stale sweep period (default 60s)
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Stats aggregates connection counters for introspection.
type Stats struct {
	TotalConnections  uint64      `json:"total_connections"`
	ActiveConnections int         `json:"active_connections"`
	UniqueUsers       int         `json:"unique_users"`
	ActiveRooms       int         `json:"active_rooms"`
	MessagesSent      uint64      `json:"messages_sent"`
	MessagesFailed    uint64      `json:"messages_failed"`
	Queue             queue.Stats `json:"queue"`
}

// ConnectionInfo is the introspection view of one connection.
type ConnectionInfo struct {
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Rooms         []string  `json:"rooms"`
}

// Registry is the connection registry.
type Registry struct {
	cfg Config
	log *zap.Logger
	q   *queue.Queue

	mu        sync.RWMutex
	conns     map[string]*Connection
	userConns map[string]map[string]struct{}
	rooms     map[string]map[string]struct{}

	totalConns uint64
	sent       atomic.Uint64
	sendFailed atomic.Uint64
}

// New constructs a Registry over the given delivery queue.
func New(cfg Config, q *queue.Queue, log *zap.Logger) *Registry {
	return &Registry{
		cfg:       cfg.withDefaults(),
		log:       log,
		q:         q,
		conns:     make(map[string]*Connection),
		userConns: make(map[string]map[string]struct{}),
		rooms:     make(map[string]map[string]struct{}),
	}
}

// Connect registers a transport for a user, sends the welcome event and
// returns the allocated client id. Never fails for a valid transport.
func (r *Registry) Connect(t Transport, userID string, meta Metadata) string {
	clientID := uuid.Must(uuid.NewV4()).String()
	now := time.Now().UTC()

	c := &Connection{
		ID:            clientID,
		UserID:        userID,
		Name:          meta.Name,
		Color:         meta.Color,
		Avatar:        meta.Avatar,
		ConnectedAt:   now,
		LastHeartbeat: now,
		rooms:         make(map[string]struct{}),
		transport:     t,
	}
	if c.Name == "" {
		c.Name = defaultName(userID)
	}
	if c.Color == "" {
		c.Color = userColor(userID)
	}

	r.mu.Lock()
	r.conns[clientID] = c
	if r.userConns[userID] == nil {
		r.userConns[userID] = make(map[string]struct{})
	}
	r.userConns[userID][clientID] = struct{}{}
	r.totalConns++
	r.mu.Unlock()

	r.Send(clientID, event.New(event.TypeConnectionEstablished, event.WelcomeData{
		ClientID:     clientID,
		UserID:       userID,
		ServerTime:   now.Format(time.RFC3339Nano),
		Capabilities: capabilities,
	}).WithUser(userID))

	r.log.Info("connection established",
		zap.String("client_id", clientID),
		zap.String("user_id", userID),
	)
	return clientID
}

// Disconnect removes a connection, its room and user memberships, and
// notifies the rooms it was active in. Idempotent: an unknown id is a no-op.
func (r *Registry) Disconnect(clientID, reason string) {
	r.mu.Lock()
	c, ok := r.conns[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, clientID)

	if set := r.userConns[c.UserID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.userConns, c.UserID)
		}
	}

	wasIn := c.roomList()
	for roomID := range c.rooms {
		if members := r.rooms[roomID]; members != nil {
			delete(members, clientID)
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	r.mu.Unlock()

	_ = c.transport.Close()

	status := event.New(event.TypeUserStatusChanged, event.StatusChangeData{
		UserID: c.UserID,
		Status: "disconnected",
		Reason: reason,
	}).WithUser(c.UserID)
	for _, roomID := range wasIn {
		r.BroadcastToRoom(roomID, status, "")
	}

	r.log.Info("connection closed",
		zap.String("client_id", clientID),
		zap.String("reason", reason),
	)
}

// Send delivers an event to one connection through the queue. On transport
// failure the connection is disconnected with reason "send_failed" and
// false is returned.
func (r *Registry) Send(clientID string, ev event.Event) bool {
	r.mu.RLock()
	_, ok := r.conns[clientID]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("send to unknown connection", zap.String("client_id", clientID))
		return false
	}
	return r.dispatch(ev, queue.Target{Kind: queue.TargetConnection, ID: clientID}) > 0
}

// BroadcastToUser delivers an event to every connection of a user and
// returns the delivered count.
func (r *Registry) BroadcastToUser(userID string, ev event.Event) int {
	return r.dispatch(ev.WithUser(userID), queue.Target{Kind: queue.TargetUser, ID: userID})
}

// BroadcastToRoom delivers an event to a room's members, optionally
// excluding one connection, and returns the delivered count.
func (r *Registry) BroadcastToRoom(roomID string, ev event.Event, exclude string) int {
	return r.dispatch(ev.WithRoom(roomID), queue.Target{Kind: queue.TargetRoom, ID: roomID, Exclude: exclude})
}

// BroadcastToAll delivers an event to every connection, optionally excluding
// one, and returns the delivered count.
func (r *Registry) BroadcastToAll(ev event.Event, exclude string) int {
	return r.dispatch(ev, queue.Target{Kind: queue.TargetBroadcast, Exclude: exclude})
}

// dispatch routes an event through the queue: enqueue, claim for inline
// delivery, resolve the target, and report the outcome back to the queue.
// If the drain loop claimed the message first, delivery is left to it.
func (r *Registry) dispatch(ev event.Event, target queue.Target) int {
	id, err := r.q.Enqueue(ev, target, eventPriority(ev), 0, nil)
	if err != nil {
		r.sendFailed.Add(1)
		r.log.Warn("enqueue rejected",
			zap.String("target_kind", string(target.Kind)),
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
		return 0
	}
	m := r.q.Claim(id)
	if m == nil {
		return 0
	}
	start := time.Now()
	n, err := r.deliverTarget(m)
	if err != nil {
		r.q.MarkFailed(id, err)
		return n
	}
	r.q.MarkDelivered(id, time.Since(start))
	return n
}

// Deliver is the queue's DeliverFunc for retried, deferred and restored
// messages.
func (r *Registry) Deliver(m *queue.Message) error {
	_, err := r.deliverTarget(m)
	return err
}

// deliverTarget resolves a message's target to live connections and writes
// to each. A connection or user target with no live recipient is an error
// so pending messages to a disconnected client follow normal retry/expiry;
// empty room and broadcast fan-outs deliver to nobody without error.
func (r *Registry) deliverTarget(m *queue.Message) (int, error) {
	var ids []string
	r.mu.RLock()
	switch m.Target.Kind {
	case queue.TargetConnection:
		if _, ok := r.conns[m.Target.ID]; ok {
			ids = []string{m.Target.ID}
		}
	case queue.TargetUser:
		for id := range r.userConns[m.Target.ID] {
			ids = append(ids, id)
		}
	case queue.TargetRoom:
		for id := range r.rooms[m.Target.ID] {
			if id != m.Target.Exclude {
				ids = append(ids, id)
			}
		}
	case queue.TargetBroadcast:
		for id := range r.conns {
			if id != m.Target.Exclude {
				ids = append(ids, id)
			}
		}
	}
	r.mu.RUnlock()

	if len(ids) == 0 {
		switch m.Target.Kind {
		case queue.TargetConnection, queue.TargetUser:
			return 0, fmt.Errorf("deliver to %s %q: %w", m.Target.Kind, m.Target.ID, errs.ErrUnknownConnection)
		default:
			return 0, nil
		}
	}

	delivered := 0
	for _, id := range ids {
		if r.writeTo(id, m.Event) == nil {
			delivered++
		}
	}
	if delivered == 0 {
		return 0, fmt.Errorf("deliver to %s %q: no transport accepted the write", m.Target.Kind, m.Target.ID)
	}
	return delivered, nil
}

// writeTo writes one frame to a connection's transport, disconnecting it on
// failure.
func (r *Registry) writeTo(clientID string, ev event.Event) error {
	r.mu.RLock()
	c, ok := r.conns[clientID]
	r.mu.RUnlock()
	if !ok {
		return errs.ErrUnknownConnection
	}
	if err := c.write(ev); err != nil {
		r.sendFailed.Add(1)
		r.Disconnect(clientID, "send_failed")
		return fmt.Errorf("write to %s: %w", clientID, err)
	}
	r.sent.Add(1)
	return nil
}

// eventPriority maps the envelope's 1..10 priority onto queue tiers;
// an unset priority is normal.
func eventPriority(ev event.Event) queue.Priority {
	switch {
	case ev.Priority == 0:
		return queue.PriorityNormal
	case ev.Priority <= 2:
		return queue.PriorityLow
	case ev.Priority <= 5:
		return queue.PriorityNormal
	case ev.Priority <= 8:
		return queue.PriorityHigh
	default:
		return queue.PriorityCritical
	}
}

// JoinRoom adds a connection to a room, creating it on first join.
// Idempotent. Document rooms announce presence to existing members and send
// the joiner the current roster.
func (r *Registry) JoinRoom(clientID, roomID string) error {
	r.mu.Lock()
	c, ok := r.conns[clientID]
	if !ok {
		r.mu.Unlock()
		return errs.ErrUnknownConnection
	}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	_, already := r.rooms[roomID][clientID]
	r.rooms[roomID][clientID] = struct{}{}
	c.rooms[roomID] = struct{}{}
	userID, name, color, avatar := c.UserID, c.Name, c.Color, c.Avatar
	r.mu.Unlock()

	if already {
		return nil
	}

	if strings.HasPrefix(roomID, documentRoomPrefix) {
		docID := strings.TrimPrefix(roomID, documentRoomPrefix)
		r.BroadcastToRoom(roomID, event.New(event.TypeUserJoined, event.PresenceData{
			DocumentID: docID,
			UserID:     userID,
			UserName:   name,
			UserColor:  color,
			UserAvatar: avatar,
		}).WithUser(userID), clientID)
		r.Send(clientID, event.New(event.TypeUserPresenceUpdate, event.RosterData{
			RoomID:  roomID,
			Members: r.RoomRoster(roomID),
		}))
	} else {
		r.BroadcastToRoom(roomID, event.New(event.TypeUserJoinedRoom, event.RoomNoticeData{
			ClientID: clientID,
			RoomID:   roomID,
			UserID:   userID,
		}), clientID)
	}

	r.log.Debug("joined room", zap.String("client_id", clientID), zap.String("room_id", roomID))
	return nil
}

// LeaveRoom removes a connection from a room. Idempotent. An emptied room
// is deleted; otherwise remaining members are notified.
func (r *Registry) LeaveRoom(clientID, roomID string) {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, in := members[clientID]; !in {
		r.mu.Unlock()
		return
	}
	delete(members, clientID)
	var userID, name string
	if c := r.conns[clientID]; c != nil {
		delete(c.rooms, roomID)
		userID, name = c.UserID, c.Name
	}
	empty := len(members) == 0
	if empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if !empty {
		if strings.HasPrefix(roomID, documentRoomPrefix) {
			r.BroadcastToRoom(roomID, event.New(event.TypeUserLeft, event.PresenceData{
				DocumentID: strings.TrimPrefix(roomID, documentRoomPrefix),
				UserID:     userID,
				UserName:   name,
			}).WithUser(userID), "")
		} else {
			r.BroadcastToRoom(roomID, event.New(event.TypeUserLeftRoom, event.RoomNoticeData{
				ClientID: clientID,
				RoomID:   roomID,
				UserID:   userID,
			}), "")
		}
	}

	r.log.Debug("left room", zap.String("client_id", clientID), zap.String("room_id", roomID))
}

// Heartbeat refreshes a connection's liveness and answers with a pong.
// Returns false for an unknown connection.
func (r *Registry) Heartbeat(clientID string) bool {
	now := time.Now().UTC()
	r.mu.Lock()
	c, ok := r.conns[clientID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	c.LastHeartbeat = now
	r.mu.Unlock()

	r.Send(clientID, event.New(event.TypePong, event.PongData{
		Timestamp: now.Format(time.RFC3339Nano),
	}))
	return true
}

// SubscribeUser joins every live connection of a user to a room and returns
// how many joined.
func (r *Registry) SubscribeUser(userID, roomID string) int {
	n := 0
	for _, clientID := range r.UserConnections(userID) {
		if r.JoinRoom(clientID, roomID) == nil {
			n++
		}
	}
	return n
}

// UnsubscribeUser removes every live connection of a user from a room.
func (r *Registry) UnsubscribeUser(userID, roomID string) {
	for _, clientID := range r.UserConnections(userID) {
		r.LeaveRoom(clientID, roomID)
	}
}

// zoneEventTypes maps collaborative zone actions onto event types.
var zoneEventTypes = map[string]event.Type{
	"create": event.TypeZoneCreated,
	"update": event.TypeZoneUpdated,
	"delete": event.TypeZoneDeleted,
	"lock":   event.TypeZoneLocked,
	"unlock": event.TypeZoneUnlocked,
}

// BroadcastZoneUpdate fans a collaborative zone mutation out to the
// document's room, excluding the acting connection.
func (r *Registry) BroadcastZoneUpdate(clientID, documentID, zoneID, action string, zoneData map[string]any, version int64) int {
	r.mu.RLock()
	c := r.conns[clientID]
	r.mu.RUnlock()
	userID := ""
	if c != nil {
		userID = c.UserID
	}

	t, ok := zoneEventTypes[action]
	if !ok {
		t = event.TypeZoneUpdated
	}
	return r.BroadcastToRoom(documentRoomPrefix+documentID, event.New(t, event.ZoneUpdateData{
		DocumentID: documentID,
		ZoneID:     zoneID,
		UserID:     userID,
		Action:     action,
		ZoneData:   zoneData,
		Version:    version,
	}).WithUser(userID), clientID)
}

// ConnectionInfo returns the introspection view of a connection, or nil.
func (r *Registry) ConnectionInfo(clientID string) *ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[clientID]
	if !ok {
		return nil
	}
	return &ConnectionInfo{
		ClientID:      c.ID,
		UserID:        c.UserID,
		ConnectedAt:   c.ConnectedAt,
		LastHeartbeat: c.LastHeartbeat,
		Rooms:         c.roomList(),
	}
}

// UserConnections lists a user's live connection ids.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.userConns[userID]))
	for id := range r.userConns[userID] {
		out = append(out, id)
	}
	return out
}

// RoomMembers lists a room's member connection ids.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// RoomRoster returns member details for a room's presence roster.
func (r *Registry) RoomRoster(roomID string) []event.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]event.Member, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		c, ok := r.conns[id]
		if !ok {
			continue
		}
		out = append(out, event.Member{
			ClientID:    c.ID,
			UserID:      c.UserID,
			UserName:    c.Name,
			UserColor:   c.Color,
			UserAvatar:  c.Avatar,
			ConnectedAt: c.ConnectedAt.Format(time.RFC3339Nano),
		})
	}
	return out
}

// Stats returns aggregate counters including the queue snapshot.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	s := Stats{
		TotalConnections:  r.totalConns,
		ActiveConnections: len(r.conns),
		UniqueUsers:       len(r.userConns),
		ActiveRooms:       len(r.rooms),
	}
	r.mu.RUnlock()
	s.MessagesSent = r.sent.Load()
	s.MessagesFailed = r.sendFailed.Load()
	s.Queue = r.q.Stats()
	return s
}

// Run sweeps stale connections until ctx is done: any connection whose last
// heartbeat is older than the staleness threshold is disconnected with
// reason "stale_connection".
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweepStale()
		}
	}
}

// sweepStale disconnects connections past the heartbeat threshold.
func (r *Registry) sweepStale() {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleThreshold)
	var stale []string
	r.mu.RLock()
	for id, c := range r.conns {
		if c.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.Disconnect(id, "stale_connection")
	}
}

// Shutdown disconnects every connection with reason "server_shutdown".
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id, "server_shutdown")
	}
}
