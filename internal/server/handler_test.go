package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhaven/keycast/internal/domain"
	"github.com/quillhaven/keycast/internal/identity"
	"github.com/quillhaven/keycast/internal/keygen"
	"github.com/quillhaven/keycast/internal/metrics"
	"github.com/quillhaven/keycast/pkg/auth"
)

var testSecret = []byte("server-test-signing-key")

type staticDirectory struct {
	users map[int64]*domain.Identity
}

func (d *staticDirectory) FindByID(_ context.Context, id int64) (*domain.Identity, error) {
	if identity, ok := d.users[id]; ok {
		copied := *identity
		return &copied, nil
	}
	return nil, domain.ErrUserNotFound
}

type testHarness struct {
	url         string
	broadcaster *Broadcaster
	registry    *Registry
	gen         *keygen.Generator
}

func newHarness(t *testing.T, keyWindow time.Duration, authTimeout time.Duration) *testHarness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := &staticDirectory{users: map[int64]*domain.Identity{
		1: {ID: 1, DisplayName: "ops", Role: domain.RoleAdmin},
		2: {ID: 2, DisplayName: "relay", Role: domain.RoleBot},
		3: {ID: 3, DisplayName: "reader", Role: domain.RoleUser},
	}}

	gen := keygen.New("server-base", "server-pepper", keyWindow)
	registry := NewRegistry()
	broadcaster := NewBroadcaster(gen, registry, metrics.New(), log)
	verifier := identity.NewVerifier(testSecret, dir, nil, log)
	handler := NewHandler(registry, verifier, broadcaster, nil, log)
	handler.AuthTimeout = authTimeout

	srv := httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(srv.Close)

	return &testHarness{
		url:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		broadcaster: broadcaster,
		registry:    registry,
		gen:         gen,
	}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func token(t *testing.T, userID int64, role domain.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(testSecret, userID, "tester", role, time.Minute)
	require.NoError(t, err)
	return tok
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) domain.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func authenticate(t *testing.T, conn *websocket.Conn, tok string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.TypeAuth, Token: tok}))
	msg := readMessage(t, conn, 2*time.Second)
	require.Equal(t, domain.TypeAuthSuccess, msg.Type)
}

func TestAuthSuccessDeliversCurrentKey(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)

	authenticate(t, conn, token(t, 1, domain.RoleAdmin))

	msg := readMessage(t, conn, 2*time.Second)
	require.Equal(t, domain.TypeNewKey, msg.Type)
	require.NotNil(t, msg.Data)
	assert.Equal(t, h.gen.Key(), msg.Data.Key)
	assert.InDelta(t, time.Now().UnixMilli(), msg.Data.Timestamp, float64((5 * time.Second).Milliseconds()))
}

func TestBotRoleMayAuthenticate(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)

	authenticate(t, conn, token(t, 2, domain.RoleBot))
}

func TestUserRoleRejectedWithPolicyViolation(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.TypeAuth, Token: token(t, 3, domain.RoleUser)}))

	msg := readMessage(t, conn, 2*time.Second)
	require.Equal(t, domain.TypeAuthFailed, msg.Type)
	assert.Contains(t, msg.Message, "authorization denied")

	// The server closes with 1008 after auth-failed.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "expected close 1008, got %v", err)
}

func TestInvalidTokenRejected(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.TypeAuth, Token: "garbage"}))

	msg := readMessage(t, conn, 2*time.Second)
	assert.Equal(t, domain.TypeAuthFailed, msg.Type)
}

func TestSilentClientClosedAfterAuthTimeout(t *testing.T) {
	h := newHarness(t, 5*time.Minute, 200*time.Millisecond)
	conn := h.dial(t)

	// Never send auth; the server must end the connection on its own.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("server never closed the unauthenticated connection")
			}
			return
		}
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)
	authenticate(t, conn, token(t, 1, domain.RoleAdmin))

	// Drain the immediate key push.
	require.Equal(t, domain.TypeNewKey, readMessage(t, conn, 2*time.Second).Type)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.TypePing}))
	msg := readMessage(t, conn, 2*time.Second)
	assert.Equal(t, domain.TypePong, msg.Type)
}

func TestBroadcastIdempotentAcrossTicks(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)
	authenticate(t, conn, token(t, 1, domain.RoleAdmin))

	// Immediate key on join.
	require.Equal(t, domain.TypeNewKey, readMessage(t, conn, 2*time.Second).Type)

	// First tick broadcasts (the broadcaster has no last value yet), the
	// second recomputes the same key and must stay silent.
	h.broadcaster.Tick()
	h.broadcaster.Tick()

	require.Equal(t, domain.TypeNewKey, readMessage(t, conn, 2*time.Second).Type)

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "second tick with an unchanged key must not broadcast")
}

func TestRotationReachesAllSubscribers(t *testing.T) {
	// A one-millisecond window makes every tick a rotation.
	h := newHarness(t, time.Millisecond, AuthTimeout)

	first := h.dial(t)
	authenticate(t, first, token(t, 1, domain.RoleAdmin))
	readMessage(t, first, 2*time.Second)

	second := h.dial(t)
	authenticate(t, second, token(t, 2, domain.RoleBot))
	readMessage(t, second, 2*time.Second)

	h.broadcaster.Tick()

	a := readMessage(t, first, 2*time.Second)
	b := readMessage(t, second, 2*time.Second)
	require.Equal(t, domain.TypeNewKey, a.Type)
	require.Equal(t, domain.TypeNewKey, b.Type)
	assert.Equal(t, a.Data.Key, b.Data.Key)
}

func TestRegistryPrunedOnDisconnect(t *testing.T) {
	h := newHarness(t, 5*time.Minute, AuthTimeout)
	conn := h.dial(t)
	authenticate(t, conn, token(t, 1, domain.RoleAdmin))

	require.Equal(t, 1, h.registry.Count())

	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()

	require.Eventually(t, func() bool {
		return h.registry.Count() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
