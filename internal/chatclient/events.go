package chatclient

import (
	"encoding/json"
	"time"

	"homigo/server/internal/models"
	gateway "homigo/server/internal/websocket"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"
)

type inbound struct {
	Type    gateway.EventType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(conn, err)
			return
		}

		var ev inbound
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("malformed event", zap.Error(err))
			continue
		}
		if err := s.handle(ev); err != nil {
			s.log.Warn("bad event payload", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

// dropped clears live state after the transport closed.
func (s *Session) dropped(conn *websocket.Conn, err error) {
	s.mu.Lock()
	unexpected := s.conn == conn
	if unexpected {
		s.conn = nil
		s.resetTypingLocked()
	}
	s.online = make(map[string]bool)
	for id, t := range s.remoteTyping {
		t.Stop()
		delete(s.remoteTyping, id)
	}
	s.mu.Unlock()

	if unexpected {
		conn.Close()
		s.log.Info("connection lost", zap.Error(err))
		s.reportError(err)
	}
	s.notify(ChangePresence)
	s.notify(ChangeConnection)
}

func (s *Session) handle(ev inbound) error {
	switch ev.Type {
	case gateway.EventOnlineUsers:
		var p gateway.OnlineUsersPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		s.mu.Lock()
		s.online = make(map[string]bool, len(p.UserIDs))
		for _, id := range p.UserIDs {
			s.online[id] = true
		}
		s.mu.Unlock()
		s.notify(ChangePresence)

	case gateway.EventUserOnline, gateway.EventUserOffline:
		var p gateway.PresencePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		s.mu.Lock()
		if ev.Type == gateway.EventUserOnline {
			s.online[p.UserID] = true
		} else {
			delete(s.online, p.UserID)
			s.clearRemoteTypingLocked(p.UserID)
		}
		s.mu.Unlock()
		s.notify(ChangePresence)

	case gateway.EventReceiveMessage:
		var m models.Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return err
		}
		s.mu.Lock()
		changed := s.acceptLocked(m)
		typing := s.clearRemoteTypingLocked(m.SenderID)
		s.mu.Unlock()
		if changed {
			s.notify(ChangeMessages)
		}
		if typing {
			s.notify(ChangeTyping)
		}
		s.requestRefresh()

	case gateway.EventMessageSent:
		var p gateway.MessageSentPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		s.mu.Lock()
		changed := s.acceptLocked(p.Message)
		s.mu.Unlock()
		if changed {
			s.notify(ChangeMessages)
		}
		s.requestRefresh()

	case gateway.EventUserTyping:
		var p gateway.UserTypingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		s.mu.Lock()
		if p.IsTyping {
			s.setRemoteTypingLocked(p.UserID)
		} else {
			s.clearRemoteTypingLocked(p.UserID)
		}
		s.mu.Unlock()
		s.notify(ChangeTyping)

	case gateway.EventMessagesRead:
		var p gateway.MessagesReadPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		// Sent to the peer whose messages were read, and as an ack to the
		// reader itself once the store write is done.
		s.mu.Lock()
		changed := false
		if s.active != nil && s.active.Key == p.ConversationID {
			for i := range s.messages {
				m := &s.messages[i]
				if m.ReceiverID == p.ReadBy && !m.Read {
					readAt := p.ReadAt
					m.Read = true
					m.ReadAt = &readAt
					changed = true
				}
			}
		}
		s.mu.Unlock()
		if changed {
			s.notify(ChangeMessages)
		}
		s.requestRefresh()

	case gateway.EventError:
		var p gateway.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		s.reportError(&ServerError{
			Code:            p.Code,
			Message:         p.Message,
			Event:           string(p.Event),
			ClientMessageID: p.ClientMessageID,
		})

	default:
		s.log.Debug("ignoring event", zap.String("type", string(ev.Type)))
	}
	return nil
}

// setRemoteTypingLocked marks peerID typing until a stop event or until
// RemoteTypingTimeout passes without a refresh.
func (s *Session) setRemoteTypingLocked(peerID string) {
	if t, ok := s.remoteTyping[peerID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.cfg.RemoteTypingTimeout, func() {
		s.mu.Lock()
		expired := s.remoteTyping[peerID] == timer
		if expired {
			delete(s.remoteTyping, peerID)
		}
		s.mu.Unlock()
		if expired {
			s.notify(ChangeTyping)
		}
	})
	s.remoteTyping[peerID] = timer
}

func (s *Session) clearRemoteTypingLocked(peerID string) bool {
	t, ok := s.remoteTyping[peerID]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.remoteTyping, peerID)
	return true
}
