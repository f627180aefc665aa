// Package chatclient is the consuming side of the messaging core: a session
// that mirrors one user's conversations, the open conversation's history,
// presence and typing state by combining the message REST API with the live
// socket.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"homigo/server/internal/conversation"
	"homigo/server/internal/logger"
	"homigo/server/internal/models"
	"homigo/server/internal/store"
	gateway "homigo/server/internal/websocket"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var (
	ErrNotConnected     = errors.New("chatclient: not connected")
	ErrAlreadyConnected = errors.New("chatclient: already connected")
	ErrUnauthorized     = errors.New("chatclient: credential rejected")
)

// Change names the piece of session state that changed.
type Change string

const (
	ChangeConnection    Change = "connection"
	ChangeMessages      Change = "messages"
	ChangeConversations Change = "conversations"
	ChangeUnread        Change = "unread"
	ChangePresence      Change = "presence"
	ChangeTyping        Change = "typing"
)

// Config configures a Session.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api/v1.
	BaseURL string
	SelfID  string

	// TypingIdle is how long after the last SetTyping(true) a stop-typing
	// event is sent automatically.
	TypingIdle time.Duration
	// RemoteTypingTimeout clears a peer's typing flag when no refresh arrives.
	// While typing continues, SetTyping re-sends typing:true every half of it.
	RemoteTypingTimeout time.Duration
	RequestTimeout      time.Duration

	Logger   *logger.Logger
	OnChange func(Change)
	OnError  func(error)
}

func (c Config) withDefaults() Config {
	if c.TypingIdle <= 0 {
		c.TypingIdle = time.Second
	}
	if c.RemoteTypingTimeout <= 0 {
		c.RemoteTypingTimeout = 3 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Conversation identifies the open conversation.
type Conversation struct {
	Key    string
	PeerID string
	Peer   models.UserSummary
}

// ServerError is an error event reported by the gateway.
type ServerError struct {
	Code            string
	Message         string
	Event           string
	ClientMessageID string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Event)
}

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Session mirrors one user's chat state. Methods are safe for concurrent use;
// socket events are applied from a single reader goroutine.
type Session struct {
	cfg  Config
	log  *logger.Logger
	http *fiber.Client

	writeMu sync.Mutex

	mu            sync.Mutex
	token         string
	conn          *websocket.Conn
	readDone      chan struct{}
	refresh       chan struct{}
	active        *Conversation
	opening       *opening
	messages      []models.Message
	conversations []models.ConversationSummary
	unread        int64
	online        map[string]bool
	remoteTyping  map[string]*time.Timer
	localTyping   bool
	typingPeer    string
	typingSentAt  time.Time
	typingGen     int
	typingTimer   *time.Timer
}

// opening buffers live messages for a conversation whose history is still
// being fetched.
type opening struct {
	key     string
	arrived []models.Message
}

// New creates a disconnected session for cfg.SelfID.
func New(cfg Config) (*Session, error) {
	if err := conversation.ValidateUserID(cfg.SelfID); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("chatclient: invalid base URL %q", cfg.BaseURL)
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:          cfg,
		log:          cfg.Logger.Named("chatclient").ForUser(cfg.SelfID),
		http:         fiber.AcquireClient(),
		online:       make(map[string]bool),
		remoteTyping: make(map[string]*time.Timer),
	}, nil
}

// Connect opens the socket, presenting token at handshake time, and starts
// mirroring live events.
func (s *Session) Connect(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	wsURL, err := s.socketURL(token)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.RequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("chatclient: dial: %w", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	s.token = token
	s.conn = conn
	s.readDone = make(chan struct{})
	s.refresh = make(chan struct{}, 1)
	done, refresh := s.readDone, s.refresh
	s.mu.Unlock()

	go s.readLoop(conn, done)
	go s.refreshLoop(done, refresh)

	s.log.Debug("connected")
	s.notify(ChangeConnection)
	return nil
}

func (s *Session) socketURL(token string) (string, error) {
	u, err := url.Parse(s.cfg.BaseURL + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Disconnect closes the socket. Conversation state is kept.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	conn, done := s.conn, s.readDone
	s.conn = nil
	s.resetTypingLocked()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()

	err := conn.Close()
	<-done

	s.log.Debug("disconnected")
	return err
}

// Connected reports whether the socket is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// OpenConversation loads the history of the conversation with peerID, makes
// it active and marks it read when it has any messages. If the history
// cannot be loaded the previously active conversation stays as it was.
func (s *Session) OpenConversation(ctx context.Context, peerID string, peer models.UserSummary) error {
	key, err := conversation.Key(s.cfg.SelfID, peerID)
	if err != nil {
		return err
	}
	if peer.ID == "" {
		peer.ID = peerID
	}

	pending := &opening{key: key}
	s.mu.Lock()
	s.opening = pending
	s.mu.Unlock()

	var history []models.Message
	if err := s.do(ctx, fiber.MethodGet, "/messages/conversation/"+url.PathEscape(peerID), nil, &history); err != nil {
		s.mu.Lock()
		if s.opening == pending {
			s.opening = nil
		}
		s.mu.Unlock()
		return err
	}

	s.stopTyping()

	s.mu.Lock()
	if s.opening != pending {
		// Superseded by another open or a close.
		s.mu.Unlock()
		return nil
	}
	s.opening = nil
	s.active = &Conversation{Key: key, PeerID: peerID, Peer: peer}
	s.messages = nil
	for _, m := range history {
		s.appendLocked(m)
	}
	for _, m := range pending.arrived {
		s.appendLocked(m)
	}
	empty := len(s.messages) == 0
	s.mu.Unlock()
	s.notify(ChangeMessages)

	if empty {
		return nil
	}
	return s.markRead(ctx, key)
}

// markRead asks the gateway to mark key read. Counters refresh when the
// gateway acks with messages-read; without a socket the REST call is
// synchronous and the refresh follows it directly.
func (s *Session) markRead(ctx context.Context, key string) error {
	err := s.emit(gateway.EventMarkAsRead, gateway.MarkAsReadPayload{ConversationID: key})
	if !errors.Is(err, ErrNotConnected) {
		return err
	}
	if err := s.do(ctx, fiber.MethodPatch, "/messages/read/"+url.PathEscape(key), nil, nil); err != nil {
		return err
	}
	s.requestRefresh()
	return nil
}

// CloseConversation clears the active conversation. The socket stays open.
func (s *Session) CloseConversation() {
	s.stopTyping()

	s.mu.Lock()
	s.active = nil
	s.opening = nil
	s.messages = nil
	s.mu.Unlock()
	s.notify(ChangeMessages)
}

// Send emits text to the active conversation's peer and returns the client
// message ID used to correlate the confirmation. The message appears in
// Messages only once the server confirms it was stored. Send is a no-op
// without an active conversation or with blank text.
func (s *Session) Send(text string) (string, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil || strings.TrimSpace(text) == "" {
		return "", nil
	}

	s.stopTyping()

	clientID := uuid.NewString()
	err := s.emit(gateway.EventSendMessage, gateway.SendMessagePayload{
		ReceiverID:      active.PeerID,
		Text:            text,
		ConversationID:  active.Key,
		ClientMessageID: clientID,
	})
	if err != nil {
		return "", err
	}
	return clientID, nil
}

// SetTyping reports local typing to the active conversation's peer. A stop
// event follows automatically after TypingIdle without another call.
func (s *Session) SetTyping(isTyping bool) error {
	if !isTyping {
		return s.stopTyping()
	}

	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	peer := s.active.PeerID
	send := !s.localTyping || s.typingPeer != peer ||
		time.Since(s.typingSentAt) >= s.cfg.RemoteTypingTimeout/2
	if send {
		s.typingSentAt = time.Now()
	}
	s.localTyping = true
	s.typingPeer = peer
	s.typingGen++
	gen := s.typingGen
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingIdle, func() { s.typingIdle(gen) })
	s.mu.Unlock()

	if !send {
		return nil
	}
	return s.emit(gateway.EventTyping, gateway.TypingPayload{ReceiverID: peer, IsTyping: true})
}

func (s *Session) typingIdle(gen int) {
	s.mu.Lock()
	stale := gen != s.typingGen
	s.mu.Unlock()
	if stale {
		return
	}
	if err := s.stopTyping(); err != nil && !errors.Is(err, ErrNotConnected) {
		s.reportError(err)
	}
}

func (s *Session) stopTyping() error {
	s.mu.Lock()
	if !s.localTyping {
		s.mu.Unlock()
		return nil
	}
	peer := s.typingPeer
	s.resetTypingLocked()
	s.mu.Unlock()

	return s.emit(gateway.EventTyping, gateway.TypingPayload{ReceiverID: peer, IsTyping: false})
}

func (s *Session) resetTypingLocked() {
	s.localTyping = false
	s.typingPeer = ""
	s.typingGen++
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// Refresh reloads the conversation list and unread counter.
func (s *Session) Refresh(ctx context.Context) error {
	var summaries []models.ConversationSummary
	if err := s.do(ctx, fiber.MethodGet, "/messages/conversations", nil, &summaries); err != nil {
		return err
	}
	var unread struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	if err := s.do(ctx, fiber.MethodGet, "/messages/unread-count", nil, &unread); err != nil {
		return err
	}

	s.mu.Lock()
	s.conversations = summaries
	s.unread = unread.UnreadCount
	s.mu.Unlock()

	s.notify(ChangeConversations)
	s.notify(ChangeUnread)
	return nil
}

func (s *Session) requestRefresh() {
	s.mu.Lock()
	ch := s.refresh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) refreshLoop(done <-chan struct{}, refresh <-chan struct{}) {
	for {
		select {
		case <-refresh:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			if err := s.Refresh(ctx); err != nil {
				s.reportError(err)
			}
			cancel()
		case <-done:
			return
		}
	}
}

// Active returns the open conversation.
func (s *Session) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Conversation{}, false
	}
	return *s.active, true
}

// Messages returns the open conversation's messages, oldest first.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Conversations returns the last loaded conversation list.
func (s *Session) Conversations() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ConversationSummary, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// UnreadCount returns the last loaded unread counter.
func (s *Session) UnreadCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// IsOnline reports whether userID has a live connection.
func (s *Session) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

// OnlineUsers returns the known online set, sorted.
func (s *Session) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsTyping reports whether peerID is currently typing to this user.
func (s *Session) IsTyping(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remoteTyping[peerID]
	return ok
}

// appendLocked adds m to the open conversation unless already present,
// keeping creation order.
func (s *Session) appendLocked(m models.Message) bool {
	for _, existing := range s.messages {
		if existing.ID == m.ID {
			return false
		}
	}
	s.messages = append(s.messages, m)
	if n := len(s.messages); n > 1 && s.messages[n-1].CreatedAt.Before(s.messages[n-2].CreatedAt) {
		sort.SliceStable(s.messages, func(i, j int) bool {
			return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
		})
	}
	return true
}

// acceptLocked places a live message in the open conversation, or buffers it
// when its conversation is being opened. It reports whether Messages changed.
func (s *Session) acceptLocked(m models.Message) bool {
	if s.active != nil && s.active.Key == m.ConversationID {
		return s.appendLocked(m)
	}
	if s.opening != nil && s.opening.key == m.ConversationID {
		s.opening.arrived = append(s.opening.arrived, m)
	}
	return false
}

func (s *Session) emit(t gateway.EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(gateway.IncomingMessage{Type: t, Payload: raw})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// do performs one REST call against the message API and decodes data into out.
func (s *Session) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	target := s.cfg.BaseURL + path
	var agent *fiber.Agent
	switch method {
	case fiber.MethodGet:
		agent = s.http.Get(target)
	case fiber.MethodPost:
		agent = s.http.Post(target)
	case fiber.MethodPatch:
		agent = s.http.Patch(target)
	case fiber.MethodDelete:
		agent = s.http.Delete(target)
	default:
		return fmt.Errorf("chatclient: unsupported method %s", method)
	}

	timeout := s.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	agent.Timeout(timeout)
	if token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	if body != nil {
		agent.JSON(body)
	}

	status, raw, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("chatclient: %s %s: %w", method, path, errors.Join(errs...))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("chatclient: %s %s: decode response: %w", method, path, err)
	}
	if status >= fiber.StatusBadRequest || !env.Success {
		return &APIError{Status: status, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// SendREST sends through the REST API instead of the socket. Like Send, the
// message is appended only after the server stored it.
func (s *Session) SendREST(ctx context.Context, text string) (*models.Message, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return nil, nil
	}
	if _, err := store.NormalizeText(text); err != nil {
		return nil, nil
	}

	var msg models.Message
	err := s.do(ctx, fiber.MethodPost, "/messages/send", models.SendMessageRequest{ReceiverID: active.PeerID, Text: text}, &msg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := s.active != nil && s.active.Key == msg.ConversationID && s.appendLocked(msg)
	s.mu.Unlock()
	if changed {
		s.notify(ChangeMessages)
	}
	s.requestRefresh()
	return &msg, nil
}

func (s *Session) notify(c Change) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(c)
	}
}

func (s *Session) reportError(err error) {
	s.log.Debug("session error", zap.Error(err))
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
