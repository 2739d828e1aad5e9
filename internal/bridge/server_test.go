package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inlineExecutor выполняет задачу в вызывающей горутине.
type inlineExecutor struct{}

func (inlineExecutor) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

func startServer(t *testing.T, f *fixture, token string) string {
	t.Helper()
	srv := NewServer(Config{Token: token}, f.hub, f.handler, inlineExecutor{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string, hello HelloMsg) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(hello))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	base, err := decodeBase(msg)
	require.NoError(t, err)
	return base.Type, msg
}

func TestServer_Session(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	url := startServer(t, f, "secret")

	conn := dial(t, url, HelloMsg{Type: TypeHello, ProtocolVersion: ProtocolVersion, Host: "paper-1", Token: "secret"})
	typ, msg := readJSON(t, conn)
	require.Equal(t, TypeWelcome, typ)
	var welcome WelcomeMsg
	require.NoError(t, json.Unmarshal(msg, &welcome))
	assert.Empty(t, welcome.Sieges)
	assert.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(attackRequest(1)))

	// Событие ставится в очередь до ответа на тот же запрос.
	typ, msg = readJSON(t, conn)
	require.Equal(t, TypeEvent, typ)
	var ev EventMsg
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "siege_started", ev.Event)
	assert.Equal(t, "south", ev.Defender)

	typ, msg = readJSON(t, conn)
	require.Equal(t, TypeReply, typ)
	var reply ReplyMsg
	require.NoError(t, json.Unmarshal(msg, &reply))
	assert.True(t, reply.OK, reply.Error)
	assert.Equal(t, uint64(1), reply.Seq)
	require.NotNil(t, reply.Siege)
	assert.Equal(t, ev.SiegeID, reply.Siege.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","seq":2}`)))
	typ, msg = readJSON(t, conn)
	require.Equal(t, TypeReply, typ)
	reply = ReplyMsg{}
	require.NoError(t, json.Unmarshal(msg, &reply))
	assert.Equal(t, CodeBadRequest, reply.Code)
	assert.Equal(t, uint64(2), reply.Seq)
	assert.Equal(t, "expected request", reply.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request","seq":3,"online":"yes"}`)))
	typ, msg = readJSON(t, conn)
	require.Equal(t, TypeReply, typ)
	reply = ReplyMsg{}
	require.NoError(t, json.Unmarshal(msg, &reply))
	assert.Equal(t, CodeBadRequest, reply.Code)
	assert.Equal(t, uint64(3), reply.Seq)
	assert.Equal(t, "malformed request", reply.Error)

	conn.Close()
	assert.Eventually(t, func() bool { return f.hub.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_TimerEventsReachHost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	url := startServer(t, f, "")

	conn := dial(t, url, HelloMsg{Type: TypeHello, ProtocolVersion: ProtocolVersion})
	typ, _ := readJSON(t, conn)
	require.Equal(t, TypeWelcome, typ)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.True(t, f.handler.Handle(context.Background(), attackRequest(1)).OK)
	typ, _ = readJSON(t, conn)
	require.Equal(t, TypeEvent, typ)

	f.sched.Advance(time.Hour)
	typ, msg := readJSON(t, conn)
	require.Equal(t, TypeEvent, typ)
	var ev EventMsg
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "siege_ended", ev.Event)
	assert.Equal(t, "defended", ev.Outcome)
}

func TestServer_HandshakeRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	url := startServer(t, f, "secret")

	tests := []struct {
		name  string
		hello HelloMsg
	}{
		{"bad token", HelloMsg{Type: TypeHello, ProtocolVersion: ProtocolVersion, Token: "guess"}},
		{"bad version", HelloMsg{Type: TypeHello, ProtocolVersion: "0", Token: "secret"}},
		{"not a hello", HelloMsg{Type: TypeRequest, ProtocolVersion: ProtocolVersion, Token: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, url, tt.hello)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	assert.Zero(t, f.hub.Count())
}
