package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PPCollab/service/gateway"
	"PPCollab/service/session"
	"PPCollab/tools/errs"
	"PPCollab/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url      string
	reg      *gateway.Registry
	sessions *session.Manager
}

func newTestServer(t *testing.T, jwt security.Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := gateway.NewRegistry(gateway.Conf{HeartbeatInterval: time.Minute}, nil)
	sessions := session.NewManager(session.Config{}, nil)
	reg.AddListener(session.NewBinder(sessions))

	disp := gateway.NewDispatcher()
	RegisterAll(disp, NewAuthHandler(sessions, jwt))
	srv := gateway.NewServer(reg, disp, gateway.ServerConf{})

	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		reg.CloseAll("test done")
		reg.Stop()
		hs.Close()
	})
	return &testServer{
		url:      "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
		reg:      reg,
		sessions: sessions,
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func (s *testServer) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	c := &client{t: t, ws: ws}
	hello := c.expect(gateway.TypeConnectionEstablished)
	c.id, _ = hello["connectionId"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *client) send(typ string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": typ, "data": data}))
}

// expect reads until a frame of typ arrives, skipping anything else.
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env gateway.Envelope
		require.NoError(c.t, c.ws.ReadJSON(&env), "waiting for %s", typ)
		if env.Type != typ {
			continue
		}
		var m map[string]any
		if len(env.Data) > 0 {
			require.NoError(c.t, json.Unmarshal(env.Data, &m))
		}
		return m
	}
}

func (c *client) expectError(code string) {
	c.t.Helper()
	m := c.expect(gateway.TypeError)
	assert.Equal(c.t, code, m["code"])
}

func (c *client) login(userID string) string {
	c.t.Helper()
	c.send(gateway.TypeAuthenticate, map[string]any{"userId": userID})
	m := c.expect(gateway.TypeAuthenticated)
	require.Equal(c.t, userID, m["userId"])
	sid, _ := m["sessionId"].(string)
	require.NotEmpty(c.t, sid)
	return sid
}

func TestAliceAndBob(t *testing.T) {
	s := newTestServer(t, security.Options{})
	alice := s.dial(t)
	bob := s.dial(t)

	alice.login("alice")
	alice.send(gateway.TypeJoinInstance, map[string]any{"instanceId": "inst-1"})
	assert.Equal(t, "inst-1", alice.expect(gateway.TypeJoinedInstance)["instanceId"])

	bob.login("bob")
	bob.send(gateway.TypeJoinInstance, map[string]any{"instanceId": "inst-1"})
	bob.expect(gateway.TypeJoinedInstance)
	joined := alice.expect(gateway.TypeUserJoined)
	assert.Equal(t, "bob", joined["userId"])

	bob.send(gateway.TypeInstanceMessage, map[string]any{"instanceId": "inst-1", "content": "hi"})
	for _, c := range []*client{alice, bob} {
		m := c.expect(gateway.TypeInstanceMessage)
		assert.Equal(t, "bob", m["from"])
		assert.Equal(t, "hi", m["content"])
	}

	bob.send(gateway.TypePing, nil)
	assert.NotEmpty(t, bob.expect(gateway.TypePong)["timestamp"])

	bob.send(gateway.TypeLeaveInstance, map[string]any{"instanceId": "inst-1"})
	bob.expect(gateway.TypeLeftInstance)
	assert.Equal(t, "bob", alice.expect(gateway.TypeUserLeft)["userId"])

	s.reg.Flush()
	members := s.sessions.InstanceSessions("inst-1")
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].UserID)
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(t, security.Options{})
	c := s.dial(t)

	c.send(gateway.TypeJoinInstance, map[string]any{"instanceId": "inst-1"})
	c.expectError(errs.ErrJoinUnauthenticated.Code)

	c.send(gateway.TypeAuthenticate, map[string]any{})
	c.expectError(errs.ErrAuthMissingUser.Code)

	c.login("carol")
	c.send(gateway.TypeJoinInstance, map[string]any{})
	c.expectError(errs.ErrJoinMissingInstance.Code)

	c.send(gateway.TypeInstanceMessage, map[string]any{"instanceId": "inst-1", "content": "x"})
	c.expectError(errs.ErrInstanceMismatch.Code)

	c.send(gateway.TypeLeaveInstance, map[string]any{})
	c.expectError(errs.ErrInstanceMismatch.Code)

	c.send("warp", nil)
	c.expectError(errs.ErrUnknownMessageType.Code)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{oops")))
	c.expectError(errs.ErrInvalidMessage.Code)

	c.send(gateway.TypePing, nil)
	c.expect(gateway.TypePong)
}

func TestAuthenticate_SessionResume(t *testing.T) {
	s := newTestServer(t, security.Options{})
	first := s.dial(t)
	sid := first.login("alice")

	second := s.dial(t)
	second.send(gateway.TypeAuthenticate, map[string]any{"userId": "alice", "sessionId": sid})
	assert.Equal(t, sid, second.expect(gateway.TypeAuthenticated)["sessionId"])

	got, err := s.sessions.ValidateSession(sid)
	require.NoError(t, err)
	assert.Equal(t, second.id, got.ConnectionID, "session follows the latest connection")

	third := s.dial(t)
	third.send(gateway.TypeAuthenticate, map[string]any{"userId": "mallory", "sessionId": sid})
	third.expectError(errs.ErrAuthInvalidToken.Code)

	third.send(gateway.TypeAuthenticate, map[string]any{"userId": "mallory", "sessionId": "sess_nope"})
	third.expectError(errs.ErrSessionNotFound.Code)
}

func TestAuthenticate_JWT(t *testing.T) {
	opts := security.Options{Secret: []byte("test-secret")}
	s := newTestServer(t, opts)
	c := s.dial(t)

	c.send(gateway.TypeAuthenticate, map[string]any{"userId": "alice", "token": "garbage"})
	c.expectError(errs.ErrAuthInvalidToken.Code)

	bobToken, _, err := security.Generate(opts, "bob")
	require.NoError(t, err)
	c.send(gateway.TypeAuthenticate, map[string]any{"userId": "alice", "token": bobToken})
	c.expectError(errs.ErrAuthInvalidToken.Code)

	token, _, err := security.Generate(opts, "alice")
	require.NoError(t, err)
	c.send(gateway.TypeAuthenticate, map[string]any{"userId": "alice", "token": token})
	assert.Equal(t, "alice", c.expect(gateway.TypeAuthenticated)["userId"])
}

func TestEnvelope_NumericTimestamp(t *testing.T) {
	s := newTestServer(t, security.Options{})
	c := s.dial(t)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"ping","data":{},"timestamp":1700000000000}`)))
	pong := c.expect(gateway.TypePong)
	assert.NotNil(t, pong["timestamp"])

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"authenticate","data":{"userId":"alice"},"timestamp":1700000000001}`)))
	auth := c.expect(gateway.TypeAuthenticated)
	assert.Equal(t, "alice", auth["userId"])

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"join_instance","data":{"instanceId":"demo-1"},"timestamp":"2026-01-01T00:00:00Z"}`)))
	joined := c.expect(gateway.TypeJoinedInstance)
	assert.Equal(t, "demo-1", joined["instanceId"])
}
