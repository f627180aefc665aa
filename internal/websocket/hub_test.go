package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"homigo/server/internal/logger"
	"homigo/server/internal/models"
	"homigo/server/internal/presence"
	"homigo/server/internal/store"

	"github.com/gofiber/contrib/websocket"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn. Tests push client frames into in and read
// server frames from out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) CreateMessage(context.Context, string, string, string) (*models.Message, error) {
	return nil, errors.New("connection refused")
}

func seededStore() *store.MemoryStore {
	s := store.NewMemoryStore()
	for _, id := range []string{"u1", "u2", "u3"} {
		s.PutUser(models.UserSummary{ID: id, Name: "User " + id, Handle: "@" + id})
	}
	return s
}

func startHub(t *testing.T, messages store.MessageStore) *Hub {
	t.Helper()
	hub := NewHub(presence.NewRegistry[*Client](), messages, nil, logger.NewNop(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

// connect attaches userID and waits for the initial online-users snapshot.
func connect(t *testing.T, hub *Hub, userID string) (*fakeConn, []string) {
	t.Helper()
	conn := newFakeConn()
	go hub.Serve(userID, conn)
	t.Cleanup(func() { conn.Close() })

	var online OnlineUsersPayload
	decode(t, expect(t, conn, EventOnlineUsers), &online)
	return conn, online.UserIDs
}

func emit(t *testing.T, conn *fakeConn, typ EventType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(IncomingMessage{Type: typ, Payload: raw})
	conn.in <- data
}

func expect(t *testing.T, conn *fakeConn, typ EventType) json.RawMessage {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.out:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("bad frame %s: %v", data, err)
			}
			if f.Type == typ {
				return f.Payload
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func expectNone(t *testing.T, conn *fakeConn, typ EventType, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case data := <-conn.out:
			var f frame
			json.Unmarshal(data, &f)
			if f.Type == typ {
				t.Fatalf("unexpected %s event: %s", typ, f.Payload)
			}
		case <-timeout:
			return
		}
	}
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPresenceOnConnectAndDisconnect(t *testing.T) {
	hub := startHub(t, seededStore())

	c1, online := connect(t, hub, "u1")
	if !reflect.DeepEqual(online, []string{"u1"}) {
		t.Errorf("u1 online snapshot = %v", online)
	}

	c2, online := connect(t, hub, "u2")
	if !reflect.DeepEqual(online, []string{"u1", "u2"}) {
		t.Errorf("u2 online snapshot = %v", online)
	}

	var p PresencePayload
	decode(t, expect(t, c1, EventUserOnline), &p)
	if p.UserID != "u2" {
		t.Errorf("user-online for %q, want u2", p.UserID)
	}

	c2.Close()
	decode(t, expect(t, c1, EventUserOffline), &p)
	if p.UserID != "u2" {
		t.Errorf("user-offline for %q, want u2", p.UserID)
	}
	eventually(t, func() bool { return !hub.IsUserOnline("u2") })
	if hub.GetOnlineCount() != 1 {
		t.Errorf("online count = %d, want 1", hub.GetOnlineCount())
	}
}

func TestSendMessageDeliversAndConfirms(t *testing.T) {
	hub := startHub(t, seededStore())
	alice, _ := connect(t, hub, "u1")
	bob, _ := connect(t, hub, "u2")

	emit(t, alice, EventSendMessage, SendMessagePayload{
		ReceiverID:      "u2",
		Text:            "hi",
		ConversationID:  "u1-u2",
		ClientMessageID: "c-1",
	})

	var got models.Message
	decode(t, expect(t, bob, EventReceiveMessage), &got)
	if got.Text != "hi" || got.ConversationID != "u1-u2" || got.SenderID != "u1" {
		t.Errorf("receive-message = %+v", got)
	}
	if got.Sender == nil || got.Sender.Name != "User u1" {
		t.Errorf("sender projection missing: %+v", got.Sender)
	}

	var sent MessageSentPayload
	decode(t, expect(t, alice, EventMessageSent), &sent)
	if sent.ClientMessageID != "c-1" || sent.Message.ID != got.ID {
		t.Errorf("message-sent = %+v", sent)
	}
}

func TestMessagesArriveInSendOrder(t *testing.T) {
	hub := startHub(t, seededStore())
	alice, _ := connect(t, hub, "u1")
	bob, _ := connect(t, hub, "u2")

	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		emit(t, alice, EventSendMessage, SendMessagePayload{ReceiverID: "u2", Text: text})
	}

	for _, text := range want {
		var m models.Message
		decode(t, expect(t, bob, EventReceiveMessage), &m)
		if m.Text != text {
			t.Fatalf("got %q, want %q", m.Text, text)
		}
	}
}

func TestSendToOfflineReceiverPersists(t *testing.T) {
	messages := seededStore()
	hub := startHub(t, messages)
	alice, _ := connect(t, hub, "u1")

	emit(t, alice, EventSendMessage, SendMessagePayload{ReceiverID: "u2", Text: "are you there?"})
	expect(t, alice, EventMessageSent)

	history, err := messages.ConversationMessages(context.Background(), "u1-u2", store.HistoryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Text != "are you there?" {
		t.Fatalf("history = %+v", history)
	}
}

func TestPersistenceFailureIsNotDelivered(t *testing.T) {
	backing := seededStore()
	hub := startHub(t, failingStore{backing})
	alice, _ := connect(t, hub, "u1")
	bob, _ := connect(t, hub, "u2")

	emit(t, alice, EventSendMessage, SendMessagePayload{ReceiverID: "u2", Text: "lost", ClientMessageID: "c-9"})

	var e ErrorPayload
	decode(t, expect(t, alice, EventError), &e)
	if e.Code != ErrCodePersistence || e.Event != EventSendMessage || e.ClientMessageID != "c-9" {
		t.Errorf("error = %+v", e)
	}

	expectNone(t, bob, EventReceiveMessage, 200*time.Millisecond)
	expectNone(t, alice, EventMessageSent, 50*time.Millisecond)

	history, _ := backing.ConversationMessages(context.Background(), "u1-u2", store.HistoryQuery{})
	if len(history) != 0 {
		t.Errorf("history has %d messages after failed send", len(history))
	}
}

func TestMalformedEventsKeepConnectionOpen(t *testing.T) {
	hub := startHub(t, seededStore())
	alice, _ := connect(t, hub, "u1")

	tests := []struct {
		name    string
		typ     EventType
		payload interface{}
		code    string
	}{
		{"empty text", EventSendMessage, SendMessagePayload{ReceiverID: "u2", Text: "  "}, ErrCodeValidation},
		{"missing receiver", EventSendMessage, SendMessagePayload{Text: "hi"}, ErrCodeValidation},
		{"self", EventSendMessage, SendMessagePayload{ReceiverID: "u1", Text: "hi"}, ErrCodeValidation},
		{"wrong conversation", EventSendMessage, SendMessagePayload{ReceiverID: "u2", Text: "hi", ConversationID: "u1-u3"}, ErrCodeValidation},
		{"unknown receiver", EventSendMessage, SendMessagePayload{ReceiverID: "u9", Text: "hi"}, ErrCodeNotFound},
		{"payload wrong shape", EventSendMessage, []int{1, 2}, ErrCodeBadPayload},
		{"typing without receiver", EventTyping, TypingPayload{IsTyping: true}, ErrCodeValidation},
		{"read bad key", EventMarkAsRead, MarkAsReadPayload{ConversationID: "nope"}, ErrCodeValidation},
		{"unknown event", EventType("dance"), map[string]string{}, ErrCodeUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emit(t, alice, tt.typ, tt.payload)
			var e ErrorPayload
			decode(t, expect(t, alice, EventError), &e)
			if e.Code != tt.code {
				t.Fatalf("code = %s, want %s", e.Code, tt.code)
			}
		})
	}

	alice.in <- []byte("{not json")
	var e ErrorPayload
	decode(t, expect(t, alice, EventError), &e)
	if e.Code != ErrCodeBadPayload {
		t.Errorf("code = %s, want %s", e.Code, ErrCodeBadPayload)
	}

	emit(t, alice, EventSendMessage, SendMessagePayload{ReceiverID: "u2", Text: "still here"})
	expect(t, alice, EventMessageSent)
	if alice.isClosed() {
		t.Error("connection closed after validation errors")
	}
}

func TestTypingRelay(t *testing.T) {
	hub := startHub(t, seededStore())
	alice, _ := connect(t, hub, "u1")
	bob, _ := connect(t, hub, "u2")

	emit(t, alice, EventTyping, TypingPayload{ReceiverID: "u2", IsTyping: true})

	var p UserTypingPayload
	decode(t, expect(t, bob, EventUserTyping), &p)
	if p.UserID != "u1" || !p.IsTyping || p.ConversationID != "u1-u2" {
		t.Errorf("user-typing = %+v", p)
	}

	emit(t, alice, EventTyping, TypingPayload{ReceiverID: "u2", IsTyping: false})
	decode(t, expect(t, bob, EventUserTyping), &p)
	if p.IsTyping {
		t.Error("stop typing relayed as typing")
	}

	// Offline receivers drop typing without an error.
	emit(t, alice, EventTyping, TypingPayload{ReceiverID: "u3", IsTyping: true})
	expectNone(t, alice, EventError, 150*time.Millisecond)
}

func TestMarkAsReadNotifiesSender(t *testing.T) {
	messages := seededStore()
	ctx := context.Background()
	messages.CreateMessage(ctx, "u1", "u2", "first")
	messages.CreateMessage(ctx, "u1", "u2", "second")
	messages.CreateMessage(ctx, "u2", "u1", "reply")

	hub := startHub(t, messages)
	alice, _ := connect(t, hub, "u1")
	bob, _ := connect(t, hub, "u2")
	outsider, _ := connect(t, hub, "u3")

	emit(t, bob, EventMarkAsRead, MarkAsReadPayload{ConversationID: "u1-u2"})

	var p MessagesReadPayload
	decode(t, expect(t, alice, EventMessagesRead), &p)
	if p.ReadBy != "u2" || p.Count != 2 || p.ConversationID != "u1-u2" {
		t.Errorf("messages-read = %+v", p)
	}

	var ack MessagesReadPayload
	decode(t, expect(t, bob, EventMessagesRead), &ack)
	if ack.ReadBy != "u2" || ack.Count != 2 || ack.ConversationID != "u1-u2" {
		t.Errorf("reader ack = %+v", ack)
	}

	if n, _ := messages.UnreadCount(ctx, "u2"); n != 0 {
		t.Errorf("u2 unread = %d, want 0", n)
	}
	if n, _ := messages.UnreadCount(ctx, "u1"); n != 1 {
		t.Errorf("u1 unread = %d, want 1 (own messages untouched)", n)
	}

	emit(t, outsider, EventMarkAsRead, MarkAsReadPayload{ConversationID: "u1-u2"})
	var e ErrorPayload
	decode(t, expect(t, outsider, EventError), &e)
	if e.Code != ErrCodeForbidden {
		t.Errorf("outsider code = %s, want %s", e.Code, ErrCodeForbidden)
	}
}

func TestMarkAsReadWithNothingUnread(t *testing.T) {
	messages := seededStore()
	messages.CreateMessage(context.Background(), "u2", "u1", "already seen")

	hub := startHub(t, messages)
	alice, _ := connect(t, hub, "u1")
	bob, _ := connect(t, hub, "u2")

	emit(t, bob, EventMarkAsRead, MarkAsReadPayload{ConversationID: "u1-u2"})

	var ack MessagesReadPayload
	decode(t, expect(t, bob, EventMessagesRead), &ack)
	if ack.Count != 0 {
		t.Errorf("reader ack count = %d, want 0", ack.Count)
	}
	expectNone(t, alice, EventMessagesRead, 200*time.Millisecond)
}

func TestNotFoundErrorTextIsNeutral(t *testing.T) {
	code, text := classifyStoreError(fmt.Errorf("sender u7: %w", store.ErrNotFound))
	if code != ErrCodeNotFound {
		t.Errorf("code = %s, want %s", code, ErrCodeNotFound)
	}
	if text != "User not found" {
		t.Errorf("message = %q, want %q", text, "User not found")
	}
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	hub := startHub(t, seededStore())
	watcher, _ := connect(t, hub, "u2")

	first, _ := connect(t, hub, "u1")
	expect(t, watcher, EventUserOnline)

	second, _ := connect(t, hub, "u1")

	eventually(t, first.isClosed)
	expectNone(t, watcher, EventUserOffline, 200*time.Millisecond)
	if !hub.IsUserOnline("u1") {
		t.Fatal("u1 dropped offline after stale connection closed")
	}

	emit(t, watcher, EventSendMessage, SendMessagePayload{ReceiverID: "u1", Text: "which one?"})
	expect(t, second, EventReceiveMessage)

	second.Close()
	var p PresencePayload
	decode(t, expect(t, watcher, EventUserOffline), &p)
	if p.UserID != "u1" {
		t.Errorf("user-offline for %q, want u1", p.UserID)
	}
}

func TestServeAfterStopReturns(t *testing.T) {
	hub := NewHub(presence.NewRegistry[*Client](), seededStore(), nil, logger.NewNop(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		hub.Serve("u1", conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve blocked on a stopped hub")
	}
	if !conn.isClosed() {
		t.Error("connection left open")
	}
}

type recordingDirectory struct {
	mu      sync.Mutex
	members map[string]bool
}

func (d *recordingDirectory) Add(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[userID] = true
	return nil
}

func (d *recordingDirectory) Remove(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, userID)
	return nil
}

func (d *recordingDirectory) Members(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id := range d.members {
		out = append(out, id)
	}
	return out, nil
}

func (d *recordingDirectory) has(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[userID]
}

func TestDirectoryMirrorsPresence(t *testing.T) {
	dir := &recordingDirectory{members: make(map[string]bool)}
	hub := NewHub(presence.NewRegistry[*Client](), seededStore(), dir, logger.NewNop(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first, _ := connect(t, hub, "u1")
	eventually(t, func() bool { return dir.has("u1") })

	second, _ := connect(t, hub, "u1")
	eventually(t, first.isClosed)
	// A marker user queued after the stale close proves the mirror got past it.
	connect(t, hub, "u3")
	eventually(t, func() bool { return dir.has("u3") })
	if !dir.has("u1") {
		t.Fatal("stale close removed u1 from the directory")
	}

	second.Close()
	eventually(t, func() bool { return !dir.has("u1") })
}

// stuckDirectory never answers until released, like an unreachable Redis.
type stuckDirectory struct {
	release chan struct{}
}

func (d stuckDirectory) Add(ctx context.Context, _ string) error {
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func (d stuckDirectory) Remove(ctx context.Context, userID string) error {
	return d.Add(ctx, userID)
}

func (stuckDirectory) Members(context.Context) ([]string, error) { return nil, nil }

func TestSlowDirectoryDoesNotStallLifecycle(t *testing.T) {
	dir := stuckDirectory{release: make(chan struct{})}
	defer close(dir.release)

	hub := NewHub(presence.NewRegistry[*Client](), seededStore(), dir, logger.NewNop(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	alice, _ := connect(t, hub, "u1")
	bob, online := connect(t, hub, "u2")
	if !reflect.DeepEqual(online, []string{"u1", "u2"}) {
		t.Errorf("u2 snapshot = %v, want [u1 u2]", online)
	}
	expect(t, alice, EventUserOnline)

	bob.Close()
	var p PresencePayload
	decode(t, expect(t, alice, EventUserOffline), &p)
	if p.UserID != "u2" {
		t.Errorf("user-offline for %q, want u2", p.UserID)
	}
	if hub.IsUserOnline("u2") {
		t.Error("u2 still online after disconnect")
	}
}
