package server

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/conflict"
	"github.com/and161185/collabhub/internal/errs"
	"github.com/and161185/collabhub/internal/event"
	"github.com/and161185/collabhub/internal/registry"
)

// Error codes surfaced over the control channel beyond the decode codes.
const (
	codeMissingRoomID        = "MISSING_ROOM_ID"
	codeUnknownControlAction = "UNKNOWN_CONTROL_ACTION"
	codeMissingField         = "MISSING_FIELD"
	codeConflictDetected     = "CONFLICT_DETECTED"
	codeLockDenied           = "LOCK_DENIED"
)

// handleWebsocket runs one client connection: registers it, pumps the read
// loop, and unregisters on exit. Protocol errors never close the socket.
func (s *Server) handleWebsocket(c *websocket.Conn) {
	userID := c.Query("user_id")
	if userID == "" {
		c.Close()
		return
	}

	clientID := s.reg.Connect(c, userID, registry.Metadata{
		Name:   c.Query("user_name"),
		Avatar: c.Query("avatar_url"),
	})
	defer s.reg.Disconnect(clientID, "client_disconnect")

	sess := &session{
		clientID: clientID,
		userID:   userID,
		reg:      s.reg,
		resolver: s.resolver,
		log:      s.log,
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read failed",
					zap.String("client_id", clientID),
					zap.Error(err),
				)
			}
			return
		}
		sess.handle(raw)
	}
}

// session is the per-connection message dispatcher. All responses travel
// through the registry so dispatch stays transport-agnostic.
type session struct {
	clientID string
	userID   string
	reg      *registry.Registry
	resolver *conflict.Resolver
	log      *zap.Logger
}

func (s *session) handle(raw []byte) {
	msg, err := event.DecodeClientMessage(raw)
	if err != nil {
		var de *event.DecodeError
		if errors.As(err, &de) {
			s.sendError(de.Code, de.Message, nil)
		}
		return
	}

	switch msg.Kind {
	case event.KindPing:
		s.reg.Heartbeat(s.clientID)
	case event.KindControl:
		s.handleControl(msg.Control)
	case event.KindSubscribe:
		s.handleSubscription(msg.Subscription, true)
	case event.KindUnsubscribe:
		s.handleSubscription(msg.Subscription, false)
	case event.KindStatusRequest:
		s.handleStatus(msg.StatusRequest)
	case event.KindZoneUpdate:
		s.handleZoneUpdate(msg.ZoneUpdate)
	case event.KindAcquireLock:
		s.handleLock(msg.Lock, true)
	case event.KindReleaseLock:
		s.handleLock(msg.Lock, false)
	}
}

func (s *session) handleControl(ctl *event.ControlData) {
	switch ctl.Action {
	case event.ActionJoinRoom:
		if ctl.RoomID == "" {
			s.sendError(codeMissingRoomID, "room_id is required", nil)
			return
		}
		ok := s.reg.JoinRoom(s.clientID, ctl.RoomID) == nil
		s.respond(event.TypeControlResponse, event.ControlResponseData{
			Action:  ctl.Action,
			RoomID:  ctl.RoomID,
			Success: ok,
		})
	case event.ActionLeaveRoom:
		if ctl.RoomID == "" {
			s.sendError(codeMissingRoomID, "room_id is required", nil)
			return
		}
		s.reg.LeaveRoom(s.clientID, ctl.RoomID)
		s.respond(event.TypeControlResponse, event.ControlResponseData{
			Action:  ctl.Action,
			RoomID:  ctl.RoomID,
			Success: true,
		})
	case event.ActionGetRooms:
		var rooms []string
		if info := s.reg.ConnectionInfo(s.clientID); info != nil {
			rooms = info.Rooms
		}
		s.respond(event.TypeControlResponse, event.ControlResponseData{
			Action:  ctl.Action,
			Rooms:   rooms,
			Success: true,
		})
	default:
		s.sendError(codeUnknownControlAction, "unknown control action: "+ctl.Action, nil)
	}
}

func (s *session) handleSubscription(sub *event.SubscriptionData, subscribe bool) {
	room, ok := event.SubscriptionRoom(sub, s.userID)
	if !ok {
		s.respond(event.TypeSubscriptionResponse, event.SubscriptionResponseData{
			Type:       sub.Type,
			Success:    false,
			Subscribed: !subscribe,
		})
		return
	}
	if subscribe {
		ok = s.reg.JoinRoom(s.clientID, room) == nil
	} else {
		s.reg.LeaveRoom(s.clientID, room)
	}
	s.respond(event.TypeSubscriptionResponse, event.SubscriptionResponseData{
		Type:       sub.Type,
		Success:    ok,
		Subscribed: subscribe && ok,
	})
}

func (s *session) handleStatus(req *event.StatusRequestData) {
	if req.Type == "server" {
		s.respond(event.TypeStatusResponse, event.StatusResponseData{
			Type:  "server",
			Stats: s.reg.Stats(),
		})
		return
	}
	info := s.reg.ConnectionInfo(s.clientID)
	if info == nil {
		return
	}
	s.respond(event.TypeStatusResponse, event.StatusResponseData{
		Type:                 "connection",
		ClientID:             info.ClientID,
		UserID:               info.UserID,
		ConnectedSince:       info.ConnectedAt.Format(time.RFC3339Nano),
		Rooms:                info.Rooms,
		TotalUserConnections: len(s.reg.UserConnections(s.userID)),
	})
}

func (s *session) handleZoneUpdate(zu *event.ZoneUpdateRequest) {
	if zu.DocumentID == "" || zu.ZoneID == "" {
		s.sendError(codeMissingField, "document_id and zone_id are required", nil)
		return
	}

	resource := zoneResource(zu.DocumentID, zu.ZoneID)
	res, err := s.resolver.SubmitChange(resource, s.userID, zu.Version, conflict.Changes(zu.Changes), nil, conflict.ParseStrategy(zu.Strategy))
	if err != nil {
		var cerr *conflict.Error
		if errors.As(err, &cerr) {
			s.sendError(codeConflictDetected, "zone update conflicts with current state", map[string]any{
				"conflict":   cerr.Conflict,
				"suggestion": conflict.SuggestResolution(cerr.Conflict),
			})
			return
		}
		s.log.Error("zone update failed",
			zap.String("client_id", s.clientID),
			zap.String("resource", resource),
			zap.Error(err),
		)
		return
	}

	data := event.ZoneUpdateData{
		DocumentID: zu.DocumentID,
		ZoneID:     zu.ZoneID,
		UserID:     s.userID,
		Action:     "update",
		ZoneData:   map[string]any(res.Changes),
		Version:    res.Version,
	}
	s.respond(event.TypeZoneUpdated, data)
	s.reg.BroadcastZoneUpdate(s.clientID, zu.DocumentID, zu.ZoneID, "update", map[string]any(res.Changes), res.Version)
}

func (s *session) handleLock(l *event.LockRequest, acquire bool) {
	if l.DocumentID == "" || l.ZoneID == "" {
		s.sendError(codeMissingField, "document_id and zone_id are required", nil)
		return
	}

	resource := zoneResource(l.DocumentID, l.ZoneID)
	action := "lock"
	var err error
	if acquire {
		err = s.resolver.AcquireLock(resource, s.userID)
	} else {
		action = "unlock"
		err = s.resolver.ReleaseLock(resource, s.userID)
	}
	if err != nil {
		if errors.Is(err, errs.ErrLockDenied) {
			s.sendError(codeLockDenied, "zone lock denied", map[string]any{
				"zone_id":   l.ZoneID,
				"locked_by": s.resolver.LockHolder(resource),
			})
			return
		}
		return
	}

	t := event.TypeZoneLocked
	if !acquire {
		t = event.TypeZoneUnlocked
	}
	s.respond(t, event.ZoneUpdateData{
		DocumentID: l.DocumentID,
		ZoneID:     l.ZoneID,
		UserID:     s.userID,
		Action:     action,
	})
	s.reg.BroadcastZoneUpdate(s.clientID, l.DocumentID, l.ZoneID, action, nil, 0)
}

func (s *session) respond(t event.Type, data any) {
	s.reg.Send(s.clientID, event.New(t, data).WithUser(s.userID))
}

func (s *session) sendError(code, message string, details map[string]any) {
	s.reg.Send(s.clientID, event.New(event.TypeError, event.ErrorData{
		Error:   message,
		Code:    code,
		Details: details,
	}))
}

// zoneResource names a zone within a document for versioning and locking.
func zoneResource(documentID, zoneID string) string {
	return documentID + ":" + zoneID
}
