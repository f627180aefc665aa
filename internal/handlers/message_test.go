package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homigo/server/internal/identity"
	"homigo/server/internal/logger"
	"homigo/server/internal/middleware"
	"homigo/server/internal/models"
	"homigo/server/internal/presence"
	"homigo/server/internal/store"
	ws "homigo/server/internal/websocket"

	"github.com/gofiber/fiber/v2"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	app      *fiber.App
	store    *store.MemoryStore
	verifier *identity.JWTVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	messages := store.NewMemoryStore()
	for _, id := range []string{"u1", "u2", "u3"} {
		messages.PutUser(models.UserSummary{ID: id, Name: "User " + id, Handle: "@" + id})
	}

	log := logger.NewNop()
	hub := ws.NewHub(presence.NewRegistry[*ws.Client](), messages, nil, log, ws.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	verifier := identity.NewJWTVerifier("test-secret", time.Hour)
	h := NewMessageHandler(messages, hub, log)
	sockets := NewWebSocketHandler(hub, verifier, log)

	app := fiber.New()
	app.Get("/health", Health(messages))
	api := app.Group("/messages", middleware.Auth(verifier))
	api.Get("/conversations", h.Conversations)
	api.Get("/conversation/:userId", h.Conversation)
	api.Get("/unread-count", h.UnreadCount)
	api.Post("/send", h.Send)
	api.Patch("/read/:conversationId", h.MarkRead)
	api.Delete("/:messageId", h.Delete)
	app.Get("/ws/stats", middleware.Auth(verifier), sockets.Stats)
	app.Get("/ws", sockets.Upgrade, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	return &testServer{app: app, store: messages, verifier: verifier}
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, err := s.verifier.Issue(userID)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("%s %s: bad body %s", method, path, raw)
		}
	}
	return resp.StatusCode, env
}

func TestSendAndFetchConversation(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/messages/send", "u1", `{"receiverId":"u2","text":"  hi  "}`)
	if status != fiber.StatusCreated {
		t.Fatalf("send status = %d (%s)", status, env.Error)
	}
	var sent models.Message
	json.Unmarshal(env.Data, &sent)
	if sent.Text != "hi" || sent.ConversationID != "u1-u2" || sent.Read {
		t.Errorf("sent = %+v", sent)
	}

	status, env = s.do(t, http.MethodGet, "/messages/conversation/u1", "u2", "")
	if status != fiber.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	var history []models.Message
	json.Unmarshal(env.Data, &history)
	if len(history) != 1 || history[0].ID != sent.ID {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Sender == nil || history[0].Sender.Handle != "@u1" {
		t.Errorf("sender projection = %+v", history[0].Sender)
	}
}

func TestSendValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		userID string
		body   string
		want   int
	}{
		{"no token", "", `{"receiverId":"u2","text":"hi"}`, fiber.StatusUnauthorized},
		{"empty text", "u1", `{"receiverId":"u2","text":"   "}`, fiber.StatusBadRequest},
		{"too long", "u1", `{"receiverId":"u2","text":"` + strings.Repeat("a", store.MaxTextLength+1) + `"}`, fiber.StatusBadRequest},
		{"self", "u1", `{"receiverId":"u1","text":"hi"}`, fiber.StatusBadRequest},
		{"bad receiver id", "u1", `{"receiverId":"u-2","text":"hi"}`, fiber.StatusBadRequest},
		{"unknown receiver", "u1", `{"receiverId":"u9","text":"hi"}`, fiber.StatusNotFound},
		{"bad json", "u1", `{"receiverId":`, fiber.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, http.MethodPost, "/messages/send", tt.userID, tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
			if env.Success {
				t.Error("success = true on rejected send")
			}
		})
	}

	if n, _ := s.store.UnreadCount(context.Background(), "u2"); n != 0 {
		t.Errorf("rejected sends persisted %d messages", n)
	}
}

func TestConversationHistoryPaging(t *testing.T) {
	s := newTestServer(t)
	for _, text := range []string{"a", "b", "c", "d"} {
		s.do(t, http.MethodPost, "/messages/send", "u1", `{"receiverId":"u2","text":"`+text+`"}`)
	}

	status, env := s.do(t, http.MethodGet, "/messages/conversation/u2?limit=2", "u1", "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var page []models.Message
	json.Unmarshal(env.Data, &page)
	if len(page) != 2 || page[0].Text != "c" || page[1].Text != "d" {
		t.Fatalf("page = %+v", page)
	}

	status, _ = s.do(t, http.MethodGet, "/messages/conversation/u2?before=yesterday", "u1", "")
	if status != fiber.StatusBadRequest {
		t.Errorf("bad before status = %d", status)
	}

	status, _ = s.do(t, http.MethodGet, "/messages/conversation/u9", "u1", "")
	if status != fiber.StatusNotFound {
		t.Errorf("unknown peer status = %d", status)
	}

	status, env = s.do(t, http.MethodGet, "/messages/conversation/u3", "u1", "")
	if status != fiber.StatusOK || string(env.Data) != "[]" {
		t.Errorf("empty conversation = %d %s", status, env.Data)
	}
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.do(t, http.MethodPost, "/messages/send", "u1", `{"receiverId":"u2","text":"ping"}`)
	}
	s.do(t, http.MethodPost, "/messages/send", "u2", `{"receiverId":"u1","text":"pong"}`)

	_, env := s.do(t, http.MethodGet, "/messages/unread-count", "u2", "")
	if got := string(env.Data); got != `{"unreadCount":3}` {
		t.Errorf("unread before = %s", got)
	}

	status, _ := s.do(t, http.MethodPatch, "/messages/read/u1-u2", "u3", "")
	if status != fiber.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", status)
	}
	status, _ = s.do(t, http.MethodPatch, "/messages/read/u2-u1", "u2", "")
	if status != fiber.StatusBadRequest {
		t.Errorf("unsorted key status = %d, want 400", status)
	}

	status, env = s.do(t, http.MethodPatch, "/messages/read/u1-u2", "u2", "")
	if status != fiber.StatusOK {
		t.Fatalf("mark read status = %d", status)
	}
	if got := string(env.Data); got != `{"updatedCount":3}` {
		t.Errorf("mark read = %s", got)
	}

	_, env = s.do(t, http.MethodGet, "/messages/unread-count", "u2", "")
	if got := string(env.Data); got != `{"unreadCount":0}` {
		t.Errorf("unread after = %s", got)
	}
	_, env = s.do(t, http.MethodGet, "/messages/unread-count", "u1", "")
	if got := string(env.Data); got != `{"unreadCount":1}` {
		t.Errorf("sender unread = %s, own read state must be untouched", got)
	}
}

func TestConversationsList(t *testing.T) {
	s := newTestServer(t)
	s.store.PutConnection(models.Connection{RequesterID: "u1", RecipientID: "u3", Status: models.ConnectionAccepted})
	s.do(t, http.MethodPost, "/messages/send", "u2", `{"receiverId":"u1","text":"hello"}`)

	status, env := s.do(t, http.MethodGet, "/messages/conversations", "u1", "")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var list []models.ConversationSummary
	json.Unmarshal(env.Data, &list)
	if len(list) != 2 {
		t.Fatalf("got %d summaries: %+v", len(list), list)
	}
	if list[0].ConversationID != "u1-u2" || list[0].User.ID != "u2" || list[0].UnreadCount != 1 {
		t.Errorf("first = %+v", list[0])
	}
	if list[1].ConversationID != "u1-u3" || list[1].LastMessage.Text != store.PlaceholderText {
		t.Errorf("placeholder = %+v", list[1])
	}
	if list[0].IsOnline {
		t.Error("u2 reported online without a socket")
	}
}

func TestDeleteMessage(t *testing.T) {
	s := newTestServer(t)
	_, env := s.do(t, http.MethodPost, "/messages/send", "u1", `{"receiverId":"u2","text":"oops"}`)
	var sent models.Message
	json.Unmarshal(env.Data, &sent)

	if status, _ := s.do(t, http.MethodDelete, "/messages/"+sent.ID, "u2", ""); status != fiber.StatusForbidden {
		t.Errorf("receiver delete status = %d, want 403", status)
	}
	if status, _ := s.do(t, http.MethodDelete, "/messages/"+sent.ID, "u1", ""); status != fiber.StatusOK {
		t.Errorf("sender delete status = %d, want 200", status)
	}
	if status, _ := s.do(t, http.MethodDelete, "/messages/"+sent.ID, "u1", ""); status != fiber.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", status)
	}
}

func TestWebSocketUpgradeRejectsBadTokens(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp, err = s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("plain GET status = %d, want 426", resp.StatusCode)
	}
}

func TestStatsAndHealth(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/ws/stats", "u1", "")
	if status != fiber.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	var stats struct {
		OnlineUsers int      `json:"onlineUsers"`
		UserIDs     []string `json:"userIds"`
	}
	json.Unmarshal(env.Data, &stats)
	if stats.OnlineUsers != 0 || len(stats.UserIDs) != 0 {
		t.Errorf("stats = %+v", stats)
	}

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}
