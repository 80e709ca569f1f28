// Package event defines the wire envelope and the closed set of event kinds
// exchanged with connected clients, plus the boundary decoder for inbound
// client messages.
package event

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Type identifies an outbound event kind.
type Type string

// Outbound event types.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypePong                  Type = "pong"

	TypeUserJoinedRoom     Type = "user_joined_room"
	TypeUserLeftRoom       Type = "user_left_room"
	TypeUserStatusChanged  Type = "user_status_changed"
	TypeUserJoined         Type = "user_joined"
	TypeUserLeft           Type = "user_left"
	TypeUserPresenceUpdate Type = "user_presence_update"

	TypeProcessingProgress Type = "processing_progress"
	TypeZoneProcessed      Type = "zone_processed"

	TypeZoneCreated  Type = "zone_created"
	TypeZoneUpdated  Type = "zone_updated"
	TypeZoneDeleted  Type = "zone_deleted"
	TypeZoneLocked   Type = "zone_locked"
	TypeZoneUnlocked Type = "zone_unlocked"

	TypeSystemNotification Type = "system_notification"
	TypeError              Type = "error"

	TypeControlResponse      Type = "control_response"
	TypeSubscriptionResponse Type = "subscription_response"
	TypeStatusResponse       Type = "status_response"
)

// Event is the envelope every outbound message is wrapped in.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Priority  int       `json:"priority,omitempty"`
}

// New builds an envelope around a typed payload with a fresh id and UTC timestamp.
func New(t Type, data any) Event {
	return Event{
		ID:        uuid.Must(uuid.NewV4()),
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// WithRoom returns a copy of the event addressed to a room.
func (e Event) WithRoom(roomID string) Event {
	e.RoomID = roomID
	return e
}

// WithUser returns a copy of the event addressed to a user.
func (e Event) WithUser(userID string) Event {
	e.UserID = userID
	return e
}

// WelcomeData is sent to a connection right after registration.
type WelcomeData struct {
	ClientID     string   `json:"client_id"`
	UserID       string   `json:"user_id"`
	ServerTime   string   `json:"server_time"`
	Capabilities []string `json:"capabilities"`
}

// PongData answers a client ping.
type PongData struct {
	Timestamp string `json:"timestamp"`
}

// RoomNoticeData announces a join/leave in a non-document room.
type RoomNoticeData struct {
	ClientID string `json:"client_id"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
}

// StatusChangeData announces a user connect/disconnect to their rooms.
type StatusChangeData struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// PresenceData announces a user entering or leaving a document room.
type PresenceData struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	UserColor  string `json:"user_color,omitempty"`
	UserAvatar string `json:"user_avatar,omitempty"`
}

// Member describes one room participant in a roster.
type Member struct {
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	UserColor   string `json:"user_color"`
	UserAvatar  string `json:"user_avatar,omitempty"`
	ConnectedAt string `json:"connected_at"`
}

// RosterData carries the full current membership of a room.
type RosterData struct {
	RoomID  string   `json:"room_id"`
	Members []Member `json:"members"`
}

// JobError is one error recorded against a tracked job.
type JobError struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	ZoneID      string `json:"zone_id,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Timestamp   string `json:"timestamp"`
}

// ProgressData is the payload of every processing_progress event.
type ProgressData struct {
	JobID          string    `json:"job_id"`
	DocumentID     string    `json:"document_id"`
	Stage          string    `json:"stage"`
	Percentage     float64   `json:"progress_percentage"`
	CurrentPage    int       `json:"current_page"`
	TotalPages     int       `json:"total_pages"`
	ZonesProcessed int       `json:"zones_processed"`
	ZonesDetected  int       `json:"zones_detected"`
	ETASeconds     *float64  `json:"eta_seconds"`
	Message        string    `json:"message,omitempty"`
	ErrorsCount    int       `json:"errors_count"`
	LastError      *JobError `json:"last_error,omitempty"`
}

// ZoneProcessedData reports one zone finishing processing.
type ZoneProcessedData struct {
	JobID          string  `json:"job_id"`
	ZoneID         string  `json:"zone_id"`
	ZoneType       string  `json:"zone_type"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime float64 `json:"processing_time"`
	Error          string  `json:"error,omitempty"`
	ZonesCompleted int     `json:"zones_completed"`
	ZonesTotal     int     `json:"zones_total"`
}

// ZoneUpdateData carries a collaborative zone mutation to a document room.
type ZoneUpdateData struct {
	DocumentID string         `json:"document_id"`
	ZoneID     string         `json:"zone_id"`
	UserID     string         `json:"user_id"`
	Action     string         `json:"action"`
	ZoneData   map[string]any `json:"zone_data,omitempty"`
	Version    int64          `json:"version,omitempty"`
}

// NotificationData is a free-form system notification.
type NotificationData struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Kind    string `json:"notification_type,omitempty"`
}

// ErrorData is a structured, user-visible error event.
type ErrorData struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// ControlResponseData acknowledges a control action.
type ControlResponseData struct {
	Action  string   `json:"action"`
	RoomID  string   `json:"room_id,omitempty"`
	Rooms   []string `json:"rooms,omitempty"`
	Success bool     `json:"success"`
}

// SubscriptionResponseData acknowledges a subscribe/unsubscribe.
type SubscriptionResponseData struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Subscribed bool   `json:"subscribed"`
}

// StatusResponseData answers a status_request.
type StatusResponseData struct {
	Type                 string   `json:"type"`
	ClientID             string   `json:"client_id,omitempty"`
	UserID               string   `json:"user_id,omitempty"`
	ConnectedSince       string   `json:"connected_since,omitempty"`
	Rooms                []string `json:"rooms,omitempty"`
	TotalUserConnections int      `json:"total_user_connections,omitempty"`
	Stats                any      `json:"stats,omitempty"`
}
