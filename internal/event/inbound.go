package event

import (
	"encoding/json"
	"fmt"
)

// Inbound message kinds a client may send over the control channel.
const (
	KindPing          = "ping"
	KindControl       = "control"
	KindSubscribe     = "subscribe"
	KindUnsubscribe   = "unsubscribe"
	KindStatusRequest = "status_request"
	KindZoneUpdate    = "zone_update"
	KindAcquireLock   = "acquire_lock"
	KindReleaseLock   = "release_lock"
)

// Control actions within a KindControl message.
const (
	ActionJoinRoom  = "join_room"
	ActionLeaveRoom = "leave_room"
	ActionGetRooms  = "get_rooms"
)

// Subscription shorthand types and their room id prefixes.
const (
	SubDocument      = "document"
	SubProcessingJob = "processing_job"
	SubExport        = "export"
	SubUserUpdates   = "user_updates"
)

// Decode error codes surfaced to clients as error events.
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
)

// DecodeError describes a malformed inbound payload. It maps directly onto
// an ErrorData event; the connection stays open.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ControlData is the body of a control message.
type ControlData struct {
	Action string `json:"action"`
	RoomID string `json:"room_id"`
}

// SubscriptionData is the body of a subscribe/unsubscribe message.
type SubscriptionData struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
	ExportID   string `json:"export_id"`
}

// StatusRequestData is the body of a status_request message.
type StatusRequestData struct {
	Type string `json:"type"`
}

// ZoneUpdateRequest is the body of a zone_update message: a versioned
// collaborative edit routed through the conflict resolver.
type ZoneUpdateRequest struct {
	DocumentID string         `json:"document_id"`
	ZoneID     string         `json:"zone_id"`
	Version    int64          `json:"version"`
	Changes    map[string]any `json:"changes"`
	Strategy   string         `json:"strategy,omitempty"`
}

// LockRequest is the body of an acquire_lock/release_lock message.
type LockRequest struct {
	DocumentID string `json:"document_id"`
	ZoneID     string `json:"zone_id"`
}

// ClientMessage is the decoded form of one inbound frame. Exactly one of the
// pointer fields matching Kind is set.
type ClientMessage struct {
	Kind string

	Control       *ControlData
	Subscription  *SubscriptionData
	StatusRequest *StatusRequestData
	ZoneUpdate    *ZoneUpdateRequest
	Lock          *LockRequest
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeClientMessage parses one raw frame into a typed ClientMessage.
// Malformed JSON or an unknown type yields a *DecodeError.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ClientMessage{}, &DecodeError{Code: CodeInvalidJSON, Message: "invalid JSON format"}
	}

	msg := ClientMessage{Kind: frame.Type}
	var body any

	switch frame.Type {
	case KindPing:
		return msg, nil
	case KindControl:
		msg.Control = &ControlData{}
		body = msg.Control
	case KindSubscribe, KindUnsubscribe:
		msg.Subscription = &SubscriptionData{}
		body = msg.Subscription
	case KindStatusRequest:
		msg.StatusRequest = &StatusRequestData{}
		body = msg.StatusRequest
	case KindZoneUpdate:
		msg.ZoneUpdate = &ZoneUpdateRequest{}
		body = msg.ZoneUpdate
	case KindAcquireLock, KindReleaseLock:
		msg.Lock = &LockRequest{}
		body = msg.Lock
	default:
		return ClientMessage{}, &DecodeError{
			Code:    CodeUnknownMessageType,
			Message: fmt.Sprintf("unknown message type: %s", frame.Type),
		}
	}

	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, body); err != nil {
			return ClientMessage{}, &DecodeError{Code: CodeInvalidJSON, Message: "invalid message data"}
		}
	}
	return msg, nil
}

// SubscriptionRoom maps a subscription shorthand to its room id. Returns
// false when the shorthand lacks its id.
func SubscriptionRoom(sub *SubscriptionData, userID string) (string, bool) {
	switch sub.Type {
	case SubDocument:
		if sub.DocumentID == "" {
			return "", false
		}
		return "document_" + sub.DocumentID, true
	case SubProcessingJob:
		if sub.JobID == "" {
			return "", false
		}
		return "job_" + sub.JobID, true
	case SubExport:
		if sub.ExportID == "" {
			return "", false
		}
		return "export_" + sub.ExportID, true
	case SubUserUpdates:
		return "user_" + userID, true
	}
	return "", false
}
