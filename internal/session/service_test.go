package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

type fakeConn struct {
	id     string
	frames chan []byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 16)}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Enqueue(frame []byte) bool {
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

func (f *fakeConn) next(t *testing.T) transport.Envelope {
	t.Helper()
	select {
	case frame := <-f.frames:
		var env transport.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for a frame on %s", f.id)
		return transport.Envelope{}
	}
}

func (f *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case frame := <-f.frames:
		t.Fatalf("did not expect a frame on %s, got %s", f.id, frame)
	default:
	}
}

type fixture struct {
	store    *store.MemoryStore
	hub      *transport.Hub
	registry *rooms.Registry
	service  *Service
}

func newFixture(t *testing.T, st store.Store) fixture {
	t.Helper()
	var mem *store.MemoryStore
	if st == nil {
		mem = store.NewMemoryStore()
		st = mem
	} else if m, ok := st.(*store.MemoryStore); ok {
		mem = m
	}
	hub := transport.NewHub(nil)
	reg := rooms.NewRegistry(hub)
	pres := presence.NewService(nil, st, time.Second)
	return fixture{
		store:    mem,
		hub:      hub,
		registry: reg,
		service:  NewService(nil, st, pres, reg, time.Second),
	}
}

func TestJoinAcknowledgesAndAnnounces(t *testing.T) {
	fx := newFixture(t, nil)
	chatID := fx.store.SeedChat(
		store.Participant{IdentityKey: "user-a"},
		store.Participant{IdentityKey: "user-b"},
	)

	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")
	fx.hub.Register(a)
	fx.hub.Register(b)

	fx.service.Join(context.Background(), "conn-a", "user-a")

	env := b.next(t)
	if env.Event != transport.EventUserOnline {
		t.Fatalf("expected user-online for the other connection, got %s", env.Event)
	}
	var userID string
	if err := json.Unmarshal(env.Data, &userID); err != nil || userID != "user-a" {
		t.Fatalf("expected user-online payload user-a, got %s (err=%v)", env.Data, err)
	}

	env = a.next(t)
	if env.Event != transport.EventJoined {
		t.Fatalf("expected joined ack, got %s", env.Event)
	}
	a.expectNone(t) // no user-online echo to self

	user, ok := fx.store.User("user-a")
	if !ok || !user.IsOnline || user.ActiveConnectionID != "conn-a" {
		t.Fatalf("expected user-a online on conn-a, got %+v", user)
	}

	// The join must have entered the chat's room.
	fx.registry.Broadcast(rooms.ChatRoom(chatID), "probe", nil)
	if env := a.next(t); env.Event != "probe" {
		t.Fatalf("expected probe in chat room, got %s", env.Event)
	}
}

func TestJoinChatIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	a := newFakeConn("conn-a")
	fx.hub.Register(a)

	fx.service.JoinChat(context.Background(), "conn-a", "chat-1")
	fx.service.JoinChat(context.Background(), "conn-a", "chat-1")

	// Both joins are acknowledged.
	for i := 0; i < 2; i++ {
		if env := a.next(t); env.Event != transport.EventJoinedChat {
			t.Fatalf("expected joined-chat ack, got %s", env.Event)
		}
	}

	// But membership is single: one broadcast, one delivery.
	fx.registry.Broadcast(rooms.ChatRoom("chat-1"), "probe", nil)
	a.next(t)
	a.expectNone(t)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	fx := newFixture(t, nil)
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")
	fx.hub.Register(a)
	fx.hub.Register(b)

	before := time.Now().UTC()
	fx.service.Join(context.Background(), "conn-a", "user-a")
	a.next(t) // joined
	b.next(t) // user-online

	fx.hub.Unregister("conn-a")
	fx.service.Disconnect(context.Background(), "conn-a")

	env := b.next(t)
	if env.Event != transport.EventUserOffline {
		t.Fatalf("expected user-offline, got %s", env.Event)
	}
	var userID string
	if err := json.Unmarshal(env.Data, &userID); err != nil || userID != "user-a" {
		t.Fatalf("expected user-offline payload user-a, got %s (err=%v)", env.Data, err)
	}

	user, ok := fx.store.User("user-a")
	if !ok || user.IsOnline || user.ActiveConnectionID != "" {
		t.Fatalf("expected user-a offline with cleared binding, got %+v", user)
	}
	if user.LastSeen.Before(before) {
		t.Fatalf("expected a fresh lastSeen, got %s", user.LastSeen)
	}
}

func TestStaleDisconnectDoesNotClearPresence(t *testing.T) {
	fx := newFixture(t, nil)
	conn1 := newFakeConn("conn-1")
	conn2 := newFakeConn("conn-2")
	watcher := newFakeConn("conn-w")
	fx.hub.Register(conn1)
	fx.hub.Register(conn2)
	fx.hub.Register(watcher)

	// Rapid reconnect: the same identity joins again on a new connection
	// before the old connection's disconnect is processed.
	fx.service.Join(context.Background(), "conn-1", "user-a")
	fx.service.Join(context.Background(), "conn-2", "user-a")

	fx.hub.Unregister("conn-1")
	fx.service.Disconnect(context.Background(), "conn-1")

	user, ok := fx.store.User("user-a")
	if !ok || !user.IsOnline || user.ActiveConnectionID != "conn-2" {
		t.Fatalf("stale disconnect must leave the reconnect bound, got %+v", user)
	}

	// Drain the join traffic; no user-offline may follow.
	for len(watcher.frames) > 0 {
		if env := watcher.next(t); env.Event == transport.EventUserOffline {
			t.Fatalf("stale disconnect must not broadcast user-offline")
		}
	}
}

type failingStore struct {
	*store.MemoryStore
	failChats    bool
	failPresence bool
}

func (f *failingStore) FindChatsByParticipant(ctx context.Context, identityKey string) ([]store.Chat, error) {
	if f.failChats {
		return nil, errors.New("store unavailable")
	}
	return f.MemoryStore.FindChatsByParticipant(ctx, identityKey)
}

func (f *failingStore) UpsertUserPresence(ctx context.Context, identityKey string, update store.PresenceUpdate) (store.User, error) {
	if f.failPresence {
		return store.User{}, errors.New("store unavailable")
	}
	return f.MemoryStore.UpsertUserPresence(ctx, identityKey, update)
}

func TestJoinStoreFailureReportsJoinError(t *testing.T) {
	for _, mode := range []string{"chats", "presence"} {
		st := &failingStore{MemoryStore: store.NewMemoryStore()}
		if mode == "chats" {
			st.failChats = true
		} else {
			st.failPresence = true
		}
		fx := newFixture(t, st)

		a := newFakeConn("conn-a")
		other := newFakeConn("conn-b")
		fx.hub.Register(a)
		fx.hub.Register(other)

		fx.service.Join(context.Background(), "conn-a", "user-a")

		env := a.next(t)
		if env.Event != transport.EventJoinError {
			t.Fatalf("[%s] expected join-error, got %s", mode, env.Event)
		}
		other.expectNone(t)

		if user, ok := st.User("user-a"); ok && user.IsOnline {
			t.Fatalf("[%s] user must not be marked online after a failed join", mode)
		}
	}
}

func TestJoinRetryAfterFailure(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), failPresence: true}
	fx := newFixture(t, st)

	a := newFakeConn("conn-a")
	fx.hub.Register(a)

	fx.service.Join(context.Background(), "conn-a", "user-a")
	if env := a.next(t); env.Event != transport.EventJoinError {
		t.Fatalf("expected join-error, got %s", env.Event)
	}

	st.failPresence = false
	fx.service.Join(context.Background(), "conn-a", "user-a")
	if env := a.next(t); env.Event != transport.EventJoined {
		t.Fatalf("expected joined after retry, got %s", env.Event)
	}
}
