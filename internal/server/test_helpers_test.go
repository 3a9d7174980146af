package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/relay"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/rooms"
	"github.com/MarcoPoloResearchLab/answers-relay/internal/users"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var testSigningSecret = []byte("test-signing-secret")

func newTestVerifier(t *testing.T) *auth.IdentityVerifier {
	t.Helper()
	verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{SigningSecret: testSigningSecret})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func mustIssueToken(t *testing.T, identity auth.Identity) string {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSigningSecret, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, err := issuer.Issue(identity)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

type stubProfiles struct {
	mu         sync.Mutex
	identities []auth.Identity
}

func (s *stubProfiles) Remember(_ context.Context, identity auth.Identity) (users.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, identity)
	return users.Profile{UserID: identity.UserID}, nil
}

func (s *stubProfiles) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

type recordedAction struct {
	event    string
	identity auth.Identity
	input    interface{}
}

// recordingActions acknowledges every action with ok and records it.
type recordingActions struct {
	mu      sync.Mutex
	actions []recordedAction
}

func (a *recordingActions) record(event string, identity auth.Identity, input interface{}, ack relay.AckFunc) {
	a.mu.Lock()
	a.actions = append(a.actions, recordedAction{event: event, identity: identity, input: input})
	a.mu.Unlock()
	ack(relay.Ack{OK: true})
}

func (a *recordingActions) SendAnswer(_ context.Context, identity auth.Identity, input relay.AnswerSend, ack relay.AckFunc) {
	a.record(EventAnswerSend, identity, input, ack)
}

func (a *recordingActions) UpdateAnswer(_ context.Context, identity auth.Identity, input relay.AnswerUpdate, ack relay.AckFunc) {
	a.record(EventAnswerUpdate, identity, input, ack)
}

func (a *recordingActions) SendMessage(_ context.Context, identity auth.Identity, input relay.MessageSend, ack relay.AckFunc) {
	a.record(EventMessageSend, identity, input, ack)
}

func (a *recordingActions) snapshot() []recordedAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedAction(nil), a.actions...)
}

type socketFixture struct {
	server   *httptest.Server
	hub      *rooms.Hub
	tasks    *relay.Tasks
	profiles *stubProfiles
	actions  *recordingActions
}

func newSocketFixture(t *testing.T) *socketFixture {
	t.Helper()
	fixture := &socketFixture{
		hub:      rooms.NewHub(zap.NewNop()),
		tasks:    relay.NewTasks(context.Background(), zap.NewNop()),
		profiles: &stubProfiles{},
		actions:  &recordingActions{},
	}
	verifier := newTestVerifier(t)
	sessions, err := NewSessionManager(SessionConfig{
		Verifier:   verifier,
		Profiles:   fixture.profiles,
		Hub:        fixture.hub,
		Actions:    fixture.actions,
		Tasks:      fixture.tasks,
		CookieName: "auth_token",
		AuthGrace:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Verifier:      verifier,
		Sessions:      sessions,
		Notifications: unusedNotifications{},
		CookieName:    "auth_token",
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.server = httptest.NewServer(handler)
	t.Cleanup(func() {
		fixture.server.Close()
		fixture.tasks.Wait()
	})
	return fixture
}

func (f *socketFixture) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + defaultSocketPath
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial socket: %v", err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", response.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireFrame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var frame wireFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

type unusedNotifications struct {
	NotificationStore
}
