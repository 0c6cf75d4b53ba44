package transport

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"muruntime/internal/domain"
	"muruntime/internal/telemetry"
)

// fakeDispatcher answers each "hello" datagram with the next SessionID in
// sequence (sess-1, sess-2, ...) and echoes each stream chunk's body back as
// "echo:<sessionID>:<body>", letting tests drive the
// transport's registration and framing logic without a real CoreRuntime.
type fakeDispatcher struct {
	mu       sync.Mutex
	sessions map[string]domain.SessionID
	nextID   int
	reset    bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sessions: make(map[string]domain.SessionID)}
}

func (d *fakeDispatcher) HandleDatagram(frame []byte, transportEndpoint string) ([]byte, domain.SessionID) {
	if string(frame) != "hello" {
		return []byte("unknown-datagram"), ""
	}
	d.mu.Lock()
	d.nextID++
	sessionID := domain.SessionID("sess-" + string(rune('0'+d.nextID)))
	d.sessions[transportEndpoint] = sessionID
	d.mu.Unlock()
	return []byte("hello-ack:" + string(sessionID)), sessionID
}

func (d *fakeDispatcher) HandleStreamChunk(sessionID domain.SessionID, chunk []byte) ([][]byte, bool) {
	body := chunk[len(streamMagic):]
	if d.reset {
		return nil, true
	}
	return [][]byte{[]byte("echo:" + string(sessionID) + ":" + string(body))}, false
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHelloRegistersSessionAndEchoesStreamChunks(t *testing.T) {
	disp := newFakeDispatcher()
	transportSrv := NewServer(disp, telemetry.WrapLogger(nil), DefaultConfig())
	httpSrv := httptest.NewServer(transportSrv)
	t.Cleanup(httpSrv.Close)

	conn := dialTestServer(t, httpSrv)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello")))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello-ack:sess-1", string(reply))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, append([]byte(streamMagic), []byte("payload")...)))
	_, reply, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "echo:sess-1:payload", string(reply))

	require.Eventually(t, func() bool { return transportSrv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStreamCodecResetClosesTheConnection(t *testing.T) {
	disp := newFakeDispatcher()
	transportSrv := NewServer(disp, telemetry.WrapLogger(nil), DefaultConfig())
	httpSrv := httptest.NewServer(transportSrv)
	t.Cleanup(httpSrv.Close)

	conn := dialTestServer(t, httpSrv)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return transportSrv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	disp.mu.Lock()
	disp.reset = true
	disp.mu.Unlock()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, append([]byte(streamMagic), []byte("garbled")...)))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "the server must close the connection on a stream reset rather than keep serving it")

	require.Eventually(t, func() bool { return transportSrv.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastInstanceReachesBoundSessionsExceptSender(t *testing.T) {
	disp := newFakeDispatcher()
	transportSrv := NewServer(disp, telemetry.WrapLogger(nil), DefaultConfig())
	httpSrv := httptest.NewServer(transportSrv)
	t.Cleanup(httpSrv.Close)

	connA := dialTestServer(t, httpSrv)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	_, _, err := connA.ReadMessage()
	require.NoError(t, err)

	connB := dialTestServer(t, httpSrv)
	require.NoError(t, connB.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	_, _, err = connB.ReadMessage()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return transportSrv.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)

	instanceID := domain.InstanceID("town-1")
	transportSrv.Bind("sess-1", instanceID)
	transportSrv.Bind("sess-2", instanceID)

	transportSrv.BroadcastInstance(instanceID, []byte("state-delta"), "sess-1")

	connB.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := connB.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "state-delta", string(msg))

	connA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = connA.ReadMessage()
	require.Error(t, err, "sess-1 was excluded and should not receive the broadcast")

	transportSrv.Unbind("sess-2")
	transportSrv.BroadcastInstance(instanceID, []byte("second-delta"), "")
	connB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = connB.ReadMessage()
	require.Error(t, err, "sess-2 was unbound and should not receive further broadcasts")
}
