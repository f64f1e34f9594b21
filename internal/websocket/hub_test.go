package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/eventful/internal/auth"
	"github.com/dukerupert/eventful/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	user model.ID
	mu   sync.Mutex
	got  [][]byte
}

func (s *fakeSession) UserID() model.ID { return s.user }

func (s *fakeSession) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, frame)
	return true
}

type authorizerFunc func(ctx context.Context, userID model.ID, res model.Resource) (bool, error)

func (f authorizerFunc) CanView(ctx context.Context, userID model.ID, res model.Resource) (bool, error) {
	return f(ctx, userID, res)
}

var planEdit = model.NewAddress(model.KeyPlanEdit, model.RefModelEvents, "e1")

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	s1 := &fakeSession{user: "alice"}
	s2 := &fakeSession{user: "bob"}

	hub.Register(s1)
	hub.Register(s2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(s1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(s2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	s := &fakeSession{user: "alice"}
	hub.Register(s)
	hub.Unregister(s)
	// Should not panic
	hub.Unregister(s)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	s := &fakeSession{user: "bob"}
	hub.Register(s)

	if !hub.Join(s, planEdit) {
		t.Error("first join should be new")
	}
	if hub.Join(s, planEdit) {
		t.Error("second join should be a no-op")
	}

	members := hub.MembersOf(planEdit)
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	if len(hub.Subscriptions(s)) != 1 {
		t.Errorf("subscriptions = %v, want one", hub.Subscriptions(s))
	}
}

func TestLeave(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	s := &fakeSession{user: "bob"}
	hub.Register(s)
	hub.Join(s, planEdit)

	if !hub.Leave(s, planEdit) {
		t.Error("expected leave to report subscription")
	}
	if hub.Leave(s, planEdit) {
		t.Error("second leave should be a no-op")
	}
	if got := hub.MembersOf(planEdit); len(got) != 0 {
		t.Errorf("members = %d, want 0", len(got))
	}
	if got := hub.RoomCount(); got != 0 {
		t.Errorf("rooms = %d, want empty rooms to be released", got)
	}
}

func TestUnregisterReleasesAllRooms(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	s := &fakeSession{user: "bob"}
	other := &fakeSession{user: "carol"}
	hub.Register(s)
	hub.Register(other)

	msgAdd := model.NewAddress(model.KeyMessageAdd, model.RefModelEvents, "e1")
	hub.Join(s, planEdit)
	hub.Join(s, msgAdd)
	hub.Join(other, planEdit)

	hub.Unregister(s)

	if got := hub.MembersOf(msgAdd); len(got) != 0 {
		t.Errorf("message room members = %d, want 0", len(got))
	}
	members := hub.MembersOf(planEdit)
	if len(members) != 1 || members[0] != other {
		t.Errorf("plan room members = %v, want only carol", members)
	}
	if hub.Join(s, planEdit) {
		t.Error("unregistered session must not join")
	}
}

func TestMembersOfIsSnapshot(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	s := &fakeSession{user: "bob"}
	hub.Register(s)
	hub.Join(s, planEdit)

	members := hub.MembersOf(planEdit)
	hub.Leave(s, planEdit)

	if len(members) != 1 {
		t.Error("snapshot changed after leave")
	}
}

func TestEvictUser(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	phone := &fakeSession{user: "carol"}
	laptop := &fakeSession{user: "carol"}
	bob := &fakeSession{user: "bob"}
	for _, s := range []*fakeSession{phone, laptop, bob} {
		hub.Register(s)
		hub.Join(s, planEdit)
	}
	otherEvent := model.NewAddress(model.KeyPlanEdit, model.RefModelEvents, "e2")
	hub.Join(phone, otherEvent)

	n := hub.EvictUser("carol", model.Resource{RefModel: model.RefModelEvents, Ref: "e1"})
	if n != 2 {
		t.Errorf("evicted = %d, want 2", n)
	}
	members := hub.MembersOf(planEdit)
	if len(members) != 1 || members[0] != bob {
		t.Errorf("members = %v, want only bob", members)
	}
	if len(hub.MembersOf(otherEvent)) != 1 {
		t.Error("other resources must be untouched")
	}
	if hub.ClientCount() != 3 {
		t.Error("evicted sessions stay connected")
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &fakeSession{user: "u"}
			hub.Register(s)
			hub.Join(s, planEdit)
			hub.MembersOf(planEdit)
			hub.Unregister(s)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 || hub.RoomCount() != 0 {
		t.Errorf("clients = %d rooms = %d, want 0", hub.ClientCount(), hub.RoomCount())
	}
}

func TestDeliverAfterCloseIsNoop(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	c := NewClient(hub, nil, "bob", nil, testLogger())

	if !c.Deliver([]byte("one")) {
		t.Fatal("expected delivery to open client")
	}
	c.close()
	// Should not panic
	if c.Deliver([]byte("two")) {
		t.Error("expected closed client to drop the frame")
	}
	c.close()
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	c := NewClient(hub, nil, "bob", nil, testLogger())

	for i := 0; i < sendBufferSize; i++ {
		if !c.Deliver([]byte("x")) {
			t.Fatalf("frame %d dropped early", i)
		}
	}
	if c.Deliver([]byte("overflow")) {
		t.Error("expected full buffer to drop")
	}
}

func TestClientMessageAddresses(t *testing.T) {
	msg := ClientMessage{Type: TypeRoomJoin, Key: model.KeyPlanEdit, RefModel: model.RefModelEvents, Ref: "e1"}
	addrs, err := msg.Addresses()
	if err != nil || len(addrs) != 1 || addrs[0] != planEdit {
		t.Fatalf("addrs = %v, err = %v", addrs, err)
	}

	msg = ClientMessage{Type: TypeEventJoin, Ref: "e1"}
	addrs, err = msg.Addresses()
	if err != nil {
		t.Fatalf("event join: %v", err)
	}
	if len(addrs) != len(model.EventKeys()) {
		t.Errorf("event join covers %d keys, want %d", len(addrs), len(model.EventKeys()))
	}

	msg = ClientMessage{Type: TypeRoomJoin, Key: "bogus", RefModel: model.RefModelEvents, Ref: "e1"}
	if _, err := msg.Addresses(); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestEncodeFrame(t *testing.T) {
	data, err := EncodeFrame(model.Notification{
		Address: planEdit,
		Actor:   "alice",
		General: &model.General{Title: "Plan changed"},
		Data:    map[string]any{"name": "Dinner"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["event"] != "plan:edit" || got["refModel"] != "events" || got["ref"] != "e1" {
		t.Errorf("frame = %s", data)
	}
	if got["actor"] != "alice" {
		t.Errorf("actor = %v, want alice", got["actor"])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandleWebSocket(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	verifier, _ := auth.NewTokenVerifier("secret", "")
	allowE1 := authorizerFunc(func(_ context.Context, userID model.ID, res model.Resource) (bool, error) {
		return userID == "bob" && res.Ref == "e1", nil
	})
	srv := httptest.NewServer(HandleWebSocket(hub, verifier, allowE1, testLogger(), HandlerOptions{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, _ := verifier.Mint("bob", time.Now(), time.Minute)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	conn.Write(ctx, ws.MessageText, []byte(`{"type":"room:join","key":"plan:edit","refModel":"events","ref":"e2"}`))
	conn.Write(ctx, ws.MessageText, []byte(`{"type":"room:join","key":"plan:edit","refModel":"events","ref":"e1"}`))
	waitFor(t, func() bool { return len(hub.MembersOf(planEdit)) == 1 })

	denied := model.NewAddress(model.KeyPlanEdit, model.RefModelEvents, "e2")
	if len(hub.MembersOf(denied)) != 0 {
		t.Error("unauthorized join must be ignored")
	}

	frame, _ := EncodeFrame(model.Notification{Address: planEdit, Actor: "alice"})
	for _, s := range hub.MembersOf(planEdit) {
		s.Deliver(frame)
	}
	_, got, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("frame = %s, want %s", got, frame)
	}

	conn.Close(ws.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
	if hub.RoomCount() != 0 {
		t.Error("rooms must be released on disconnect")
	}
}

func TestHandleWebSocketRejectsBadToken(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	verifier, _ := auth.NewTokenVerifier("secret", "")
	h := HandleWebSocket(hub, verifier, nil, testLogger(), HandlerOptions{})

	for _, target := range []string{"/ws", "/ws?token=garbage"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", target, rec.Code)
		}
	}
}
