package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/relay"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/rooms"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventAuthError     = "auth_error"
	EventAck           = "ack"
	EventJoinUser      = "join-user"
	EventJoinQuestion  = "join-question"
	EventLeaveQuestion = "leave-question"
	EventAnswerSend    = "answer:send"
	EventAnswerUpdate  = "answer:update"
	EventMessageSend   = "message:send"

	authFailedMessage   = "Authentication failed"
	invalidPayloadError = "invalid payload"
	defaultAuthGrace    = 100 * time.Millisecond

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	errMissingVerifier = errors.New("identity verifier dependency required")
	errMissingProfiles = errors.New("profile store dependency required")
	errMissingHub      = errors.New("room hub dependency required")
	errMissingActions  = errors.New("relay actions dependency required")
	errMissingTasks    = errors.New("task group dependency required")

	errNoCredential = errors.New("no credential presented")
)

// IdentityVerifier resolves a bearer credential into an identity.
type IdentityVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ProfileStore records the identities seen on connect.
type ProfileStore interface {
	Remember(ctx context.Context, identity auth.Identity) (users.Profile, error)
}

// Actions executes client actions; implemented by relay.Pipeline.
type Actions interface {
	SendAnswer(ctx context.Context, identity auth.Identity, input relay.AnswerSend, ack relay.AckFunc)
	UpdateAnswer(ctx context.Context, identity auth.Identity, input relay.AnswerUpdate, ack relay.AckFunc)
	SendMessage(ctx context.Context, identity auth.Identity, input relay.MessageSend, ack relay.AckFunc)
}

// SessionConfig wires the Session Manager.
type SessionConfig struct {
	Verifier       IdentityVerifier
	Profiles       ProfileStore
	Hub            *rooms.Hub
	Actions        Actions
	Tasks          *relay.Tasks
	CookieName     string
	AuthGrace      time.Duration
	AllowedOrigins []string
	Logger         *zap.Logger
}

// SessionManager authenticates websocket connections and routes their events.
type SessionManager struct {
	verifier   IdentityVerifier
	profiles   ProfileStore
	hub        *rooms.Hub
	actions    Actions
	tasks      *relay.Tasks
	cookieName string
	authGrace  time.Duration
	upgrader   websocket.Upgrader
	nextID     atomic.Uint64
	logger     *zap.Logger
}

// NewSessionManager validates the configuration.
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errMissingVerifier
	case cfg.Profiles == nil:
		return nil, errMissingProfiles
	case cfg.Hub == nil:
		return nil, errMissingHub
	case cfg.Actions == nil:
		return nil, errMissingActions
	case cfg.Tasks == nil:
		return nil, errMissingTasks
	}
	grace := cfg.AuthGrace
	if grace <= 0 {
		grace = defaultAuthGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := newOriginSet(cfg.AllowedOrigins)
	return &SessionManager{
		verifier:   cfg.Verifier,
		profiles:   cfg.Profiles,
		hub:        cfg.Hub,
		actions:    cfg.Actions,
		tasks:      cfg.Tasks,
		cookieName: cfg.CookieName,
		authGrace:  grace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.allows(origin)
			},
		},
		logger: logger,
	}, nil
}

// ServeHTTP upgrades the request and runs the session until disconnect.
func (m *SessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, source, err := m.authenticate(r)
	if err != nil {
		m.logger.Info("socket authentication failed",
			zap.String("source", string(source)),
			zap.Error(err))
		m.rejectConnection(conn, err)
		return
	}

	if _, err := m.profiles.Remember(r.Context(), identity); err != nil {
		m.logger.Warn("profile refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	session := &session{
		id:       "conn-" + strconv.FormatUint(m.nextID.Add(1), 10),
		conn:     conn,
		identity: identity,
		send:     make(chan outboundFrame, sendBuffer),
		done:     make(chan struct{}),
		manager:  m,
	}
	m.hub.Join(session, rooms.User(identity.UserID))
	m.logger.Debug("socket connected",
		zap.String("connection_id", session.id),
		zap.String("user_id", identity.UserID),
		zap.String("source", string(source)))

	go session.writePump()
	session.readPump()
}

func (m *SessionManager) authenticate(r *http.Request) (auth.Identity, auth.CredentialSource, error) {
	token, source := auth.ExtractCredential(r, m.cookieName)
	if token == "" {
		return auth.Identity{}, source, errNoCredential
	}
	identity, err := m.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, source, err
	}
	if !identity.Complete() {
		return auth.Identity{}, source, auth.ErrIncompleteIdentity
	}
	return identity, source, nil
}

// rejectConnection sends auth_error and closes after the grace delay so the
// frame can flush. The connection never joins a room.
func (m *SessionManager) rejectConnection(conn *websocket.Conn, reason error) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	frame := outboundFrame{
		Event: EventAuthError,
		Data:  authErrorPayload{Message: authFailedMessage, Details: reason.Error()},
	}
	if err := conn.WriteJSON(frame); err != nil {
		return
	}
	time.Sleep(m.authGrace)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authFailedMessage),
		time.Now().Add(writeWait))
}

type authErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   *int64          `json:"ack,omitempty"`
}

type outboundFrame struct {
	Event string      `json:"event"`
	Ack   *int64      `json:"ack,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// session is one authenticated websocket connection.
type session struct {
	id       string
	conn     *websocket.Conn
	identity auth.Identity
	send     chan outboundFrame
	done     chan struct{}
	once     sync.Once
	manager  *SessionManager
}

func (s *session) ID() string {
	return s.id
}

// Send queues a room frame without blocking.
func (s *session) Send(frame rooms.Frame) bool {
	return s.enqueue(outboundFrame{Event: frame.Event, Data: frame.Data})
}

func (s *session) enqueue(frame outboundFrame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

func (s *session) readPump() {
	defer func() {
		s.manager.hub.LeaveAll(s)
		s.close()
		_ = s.conn.Close()
		s.manager.logger.Debug("socket disconnected",
			zap.String("connection_id", s.id),
			zap.String("user_id", s.identity.UserID))
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.manager.logger.Info("socket read failed", zap.String("connection_id", s.id), zap.Error(err))
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.manager.logger.Debug("malformed frame ignored", zap.String("connection_id", s.id), zap.Error(err))
			continue
		}
		s.handle(frame)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) handle(frame inboundFrame) {
	m := s.manager
	switch frame.Event {
	case EventJoinUser:
		userID := decodeID(frame.Data, "userId")
		if userID == "" {
			return
		}
		if userID != s.identity.UserID {
			m.logger.Warn("join of foreign user room refused",
				zap.String("connection_id", s.id),
				zap.String("user_id", s.identity.UserID),
				zap.String("requested_user_id", userID))
			return
		}
		m.hub.Join(s, rooms.User(userID))
	case EventJoinQuestion:
		if questionID := decodeID(frame.Data, "questionId"); questionID != "" {
			m.hub.Join(s, rooms.Question(questionID))
		}
	case EventLeaveQuestion:
		if questionID := decodeID(frame.Data, "questionId"); questionID != "" {
			m.hub.Leave(s, rooms.Question(questionID))
		}
	case EventAnswerSend:
		var input relay.AnswerSend
		if !s.decode(frame, &input) {
			return
		}
		ack := s.acker(frame.Ack)
		m.tasks.Go(EventAnswerSend, func(ctx context.Context) {
			m.actions.SendAnswer(ctx, s.identity, input, ack)
		})
	case EventAnswerUpdate:
		var input relay.AnswerUpdate
		if !s.decode(frame, &input) {
			return
		}
		ack := s.acker(frame.Ack)
		m.tasks.Go(EventAnswerUpdate, func(ctx context.Context) {
			m.actions.UpdateAnswer(ctx, s.identity, input, ack)
		})
	case EventMessageSend:
		var input relay.MessageSend
		if !s.decode(frame, &input) {
			return
		}
		ack := s.acker(frame.Ack)
		m.tasks.Go(EventMessageSend, func(ctx context.Context) {
			m.actions.SendMessage(ctx, s.identity, input, ack)
		})
	default:
		m.logger.Debug("unknown event ignored", zap.String("connection_id", s.id), zap.String("event", frame.Event))
	}
}

func (s *session) decode(frame inboundFrame, target interface{}) bool {
	if len(frame.Data) > 0 && json.Unmarshal(frame.Data, target) == nil {
		return true
	}
	s.acker(frame.Ack)(relay.Ack{OK: false, Error: invalidPayloadError})
	return false
}

// acker returns an AckFunc bound to the frame's acknowledgement id, or nil
// when the client did not ask for one.
func (s *session) acker(ackID *int64) relay.AckFunc {
	if ackID == nil {
		return func(relay.Ack) {}
	}
	id := *ackID
	return func(ack relay.Ack) {
		if !s.enqueue(outboundFrame{Event: EventAck, Ack: &id, Data: ack}) {
			s.manager.logger.Debug("ack dropped", zap.String("connection_id", s.id), zap.Int64("ack", id))
		}
	}
}

// decodeID accepts either a bare JSON string or an object carrying the id
// under key or "id".
func decodeID(raw json.RawMessage, key string) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var object map[string]interface{}
	if err := json.Unmarshal(raw, &object); err != nil {
		return ""
	}
	for _, candidate := range []string{key, "id"} {
		if value, ok := object[candidate].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
