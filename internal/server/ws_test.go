package server

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/and161185/collabhub/internal/conflict"
	"github.com/and161185/collabhub/internal/event"
	"github.com/and161185/collabhub/internal/queue"
	"github.com/and161185/collabhub/internal/registry"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []event.Event
}

var _ registry.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := v.(event.Event); ok {
		f.frames = append(f.frames, ev)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) last() event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return event.Event{}
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeTransport) count(t event.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.frames {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type sessionEnv struct {
	reg      *registry.Registry
	resolver *conflict.Resolver
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	q := queue.New(queue.Config{}, zap.NewNop())
	return &sessionEnv{
		reg:      registry.New(registry.Config{}, q, zap.NewNop()),
		resolver: conflict.NewResolver(zap.NewNop()),
	}
}

func (e *sessionEnv) connect(userID string) (*session, *fakeTransport) {
	tr := &fakeTransport{}
	clientID := e.reg.Connect(tr, userID, registry.Metadata{})
	return &session{
		clientID: clientID,
		userID:   userID,
		reg:      e.reg,
		resolver: e.resolver,
		log:      zap.NewNop(),
	}, tr
}

func lastError(t *testing.T, tr *fakeTransport) event.ErrorData {
	t.Helper()
	ev := tr.last()
	if ev.Type != event.TypeError {
		t.Fatalf("want error event, got %v", ev.Type)
	}
	return ev.Data.(event.ErrorData)
}

func TestSession_MalformedFrames(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	sess, tr := env.connect("u1")

	sess.handle([]byte(`{broken`))
	if data := lastError(t, tr); data.Code != event.CodeInvalidJSON {
		t.Fatalf("code %q", data.Code)
	}

	sess.handle([]byte(`{"type":"teleport"}`))
	if data := lastError(t, tr); data.Code != event.CodeUnknownMessageType {
		t.Fatalf("code %q", data.Code)
	}

	// Protocol errors never tear the connection down.
	if env.reg.ConnectionInfo(sess.clientID) == nil {
		t.Fatal("connection must stay registered")
	}
}

func TestSession_Ping(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	sess, tr := env.connect("u1")

	sess.handle([]byte(`{"type":"ping"}`))
	if tr.last().Type != event.TypePong {
		t.Fatalf("want pong, got %v", tr.last().Type)
	}
}

func TestSession_ControlJoinLeave(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	sess, tr := env.connect("u1")

	sess.handle([]byte(`{"type":"control","data":{"action":"join_room"}}`))
	if data := lastError(t, tr); data.Code != codeMissingRoomID {
		t.Fatalf("code %q", data.Code)
	}

	sess.handle([]byte(`{"type":"control","data":{"action":"join_room","room_id":"lobby"}}`))
	ev := tr.last()
	if ev.Type != event.TypeControlResponse {
		t.Fatalf("want control_response, got %v", ev.Type)
	}
	resp := ev.Data.(event.ControlResponseData)
	if !resp.Success || resp.RoomID != "lobby" {
		t.Fatalf("response %+v", resp)
	}
	if len(env.reg.RoomMembers("lobby")) != 1 {
		t.Fatal("join must take effect")
	}

	sess.handle([]byte(`{"type":"control","data":{"action":"get_rooms"}}`))
	resp = tr.last().Data.(event.ControlResponseData)
	if len(resp.Rooms) != 1 || resp.Rooms[0] != "lobby" {
		t.Fatalf("rooms %v", resp.Rooms)
	}

	sess.handle([]byte(`{"type":"control","data":{"action":"leave_room","room_id":"lobby"}}`))
	if len(env.reg.RoomMembers("lobby")) != 0 {
		t.Fatal("leave must take effect")
	}

	sess.handle([]byte(`{"type":"control","data":{"action":"dance"}}`))
	if data := lastError(t, tr); data.Code != codeUnknownControlAction {
		t.Fatalf("code %q", data.Code)
	}
}

func TestSession_Subscriptions(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	sess, tr := env.connect("u1")

	sess.handle([]byte(`{"type":"subscribe","data":{"type":"processing_job","job_id":"j1"}}`))
	resp := tr.last().Data.(event.SubscriptionResponseData)
	if !resp.Success || !resp.Subscribed {
		t.Fatalf("response %+v", resp)
	}
	if len(env.reg.RoomMembers("job_j1")) != 1 {
		t.Fatal("subscription must join the job room")
	}

	sess.handle([]byte(`{"type":"unsubscribe","data":{"type":"processing_job","job_id":"j1"}}`))
	resp = tr.last().Data.(event.SubscriptionResponseData)
	if !resp.Success || resp.Subscribed {
		t.Fatalf("response %+v", resp)
	}
	if len(env.reg.RoomMembers("job_j1")) != 0 {
		t.Fatal("unsubscribe must leave the job room")
	}

	// Shorthand without its id fails without joining anything.
	sess.handle([]byte(`{"type":"subscribe","data":{"type":"document"}}`))
	resp = tr.last().Data.(event.SubscriptionResponseData)
	if resp.Success {
		t.Fatalf("response %+v", resp)
	}
}

func TestSession_StatusRequest(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	sess, tr := env.connect("u1")

	sess.handle([]byte(`{"type":"status_request","data":{"type":"connection"}}`))
	resp := tr.last().Data.(event.StatusResponseData)
	if resp.ClientID != sess.clientID || resp.TotalUserConnections != 1 {
		t.Fatalf("response %+v", resp)
	}

	sess.handle([]byte(`{"type":"status_request","data":{"type":"server"}}`))
	resp = tr.last().Data.(event.StatusResponseData)
	if resp.Type != "server" || resp.Stats == nil {
		t.Fatalf("response %+v", resp)
	}
}

func TestSession_ZoneUpdateFlow(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	editor, tr1 := env.connect("u1")
	watcher, tr2 := env.connect("u2")

	editor.handle([]byte(`{"type":"control","data":{"action":"join_room","room_id":"document_d1"}}`))
	watcher.handle([]byte(`{"type":"control","data":{"action":"join_room","room_id":"document_d1"}}`))

	editor.handle([]byte(`{"type":"zone_update","data":{"document_id":"d1","zone_id":"z1","version":0,"changes":{"text":"hi"}}}`))

	ack := tr1.last()
	if ack.Type != event.TypeZoneUpdated {
		t.Fatalf("want zone_updated ack, got %v", ack.Type)
	}
	data := ack.Data.(event.ZoneUpdateData)
	if data.Version != 1 || data.ZoneData["text"] != "hi" {
		t.Fatalf("ack %+v", data)
	}
	if tr2.count(event.TypeZoneUpdated) != 1 {
		t.Fatal("other editors must see the update")
	}

	// Stale version surfaces a conflict with a suggestion, no broadcast.
	editor.handle([]byte(`{"type":"zone_update","data":{"document_id":"d1","zone_id":"z1","version":0,"changes":{"text":"stale"},"strategy":"merge"}}`))
	errData := lastError(t, tr1)
	if errData.Code != codeConflictDetected {
		t.Fatalf("code %q", errData.Code)
	}
	if errData.Details["suggestion"] == "" {
		t.Fatal("conflict details must carry a suggestion")
	}
	if tr2.count(event.TypeZoneUpdated) != 1 {
		t.Fatal("conflicting update must not broadcast")
	}

	// Missing identifiers are rejected before touching the resolver.
	editor.handle([]byte(`{"type":"zone_update","data":{"zone_id":"z1"}}`))
	if lastError(t, tr1).Code != codeMissingField {
		t.Fatal("missing document_id must be rejected")
	}
}

func TestSession_LockFlow(t *testing.T) {
	t.Parallel()
	env := newSessionEnv(t)
	alice, tr1 := env.connect("alice")
	bob, tr2 := env.connect("bob")

	alice.handle([]byte(`{"type":"control","data":{"action":"join_room","room_id":"document_d1"}}`))
	bob.handle([]byte(`{"type":"control","data":{"action":"join_room","room_id":"document_d1"}}`))

	alice.handle([]byte(`{"type":"acquire_lock","data":{"document_id":"d1","zone_id":"z1"}}`))
	if tr1.last().Type != event.TypeZoneLocked {
		t.Fatalf("want zone_locked ack, got %v", tr1.last().Type)
	}
	if tr2.count(event.TypeZoneLocked) != 1 {
		t.Fatal("other editors must see the lock")
	}

	bob.handle([]byte(`{"type":"acquire_lock","data":{"document_id":"d1","zone_id":"z1"}}`))
	errData := lastError(t, tr2)
	if errData.Code != codeLockDenied {
		t.Fatalf("code %q", errData.Code)
	}
	if errData.Details["locked_by"] != "alice" {
		t.Fatalf("details %+v", errData.Details)
	}

	// Only the holder releases.
	bob.handle([]byte(`{"type":"release_lock","data":{"document_id":"d1","zone_id":"z1"}}`))
	if lastError(t, tr2).Code != codeLockDenied {
		t.Fatal("non-holder release must be denied")
	}

	alice.handle([]byte(`{"type":"release_lock","data":{"document_id":"d1","zone_id":"z1"}}`))
	if tr1.last().Type != event.TypeZoneUnlocked {
		t.Fatalf("want zone_unlocked ack, got %v", tr1.last().Type)
	}
	if tr2.count(event.TypeZoneUnlocked) != 1 {
		t.Fatal("other editors must see the unlock")
	}
}
