package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"memberchat/internal/auth"
	"memberchat/internal/models"
	"memberchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRooms map[uint]*models.Room

func (f fakeRooms) Get(_ context.Context, id uint) (*models.Room, error) {
	if id == 500 {
		return nil, errors.New("db down")
	}
	r, ok := f[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return r, nil
}

type fakeIdentities map[string]*models.User

func (f fakeIdentities) Resolve(_ context.Context, token string) (*models.User, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return nil, auth.ErrUnauthenticated
}

func newTestServer(t *testing.T) (*Registry, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	rooms := fakeRooms{5: {ID: 5, Name: "stock"}, 6: {ID: 6, Name: "notice", IsFree: true}}
	ids := fakeIdentities{
		"alice-token": {ID: 42, Name: "Alice", Role: models.RoleMember},
		"bob-token":   {ID: 7, Name: "Bob", Role: models.RoleAdmin},
	}
	r := gin.New()
	r.GET("/ws/:room_id", Serve(reg, rooms, ids))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitOnline(t *testing.T, reg *Registry, roomID uint, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return reg.Online(roomID) == want },
		2*time.Second, 10*time.Millisecond, "room %d online count never reached %d", roomID, want)
}

func readText(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	return data
}

func readSystem(t *testing.T, conn *websocket.Conn) SystemEvent {
	t.Helper()
	var ev SystemEvent
	require.NoError(t, json.Unmarshal(readText(t, conn), &ev))
	return ev
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "got %v, want close code %d", err, code)
}

func TestSession_UnknownRoomClosesWithPolicyViolation(t *testing.T) {
	reg, base := newTestServer(t)

	conn := dial(t, base+"/ws/999")
	expectClose(t, conn, websocket.ClosePolicyViolation)
	assert.Equal(t, 0, reg.Online(999))

	conn = dial(t, base+"/ws/abc?token=alice-token")
	expectClose(t, conn, websocket.ClosePolicyViolation)
	_, ok := reg.UserConn(42)
	assert.False(t, ok)
}

func TestSession_LookupFailureClosesWithInternalError(t *testing.T) {
	_, base := newTestServer(t)
	conn := dial(t, base+"/ws/500")
	expectClose(t, conn, websocket.CloseInternalServerErr)
}

func TestSession_BroadcastReachesAnonymousAndAuthenticated(t *testing.T) {
	reg, base := newTestServer(t)

	anon := dial(t, base+"/ws/5")
	waitOnline(t, reg, 5, 1)
	alice := dial(t, base+"/ws/5?token=alice-token")
	waitOnline(t, reg, 5, 2)

	ev := readSystem(t, anon)
	assert.Equal(t, "system", ev.Type)
	assert.Equal(t, "Alice joined the room", ev.Message)
	readSystem(t, alice)

	conn, ok := reg.UserConn(42)
	require.True(t, ok)
	assert.IsType(t, &Client{}, conn)

	payload := []byte(`{"id":1,"room_id":5,"user_role":"admin","content":"hi"}`)
	assert.Equal(t, 2, reg.Broadcast(5, payload))
	assert.Equal(t, payload, readText(t, anon))
	assert.Equal(t, payload, readText(t, alice))
}

func TestSession_BadTokenJoinsAnonymously(t *testing.T) {
	reg, base := newTestServer(t)

	listener := dial(t, base+"/ws/6")
	waitOnline(t, reg, 6, 1)
	dial(t, base+"/ws/6?token=forged")
	waitOnline(t, reg, 6, 2)

	reg.Broadcast(6, []byte(`"ping"`))
	assert.Equal(t, `"ping"`, string(readText(t, listener)), "anonymous join must not announce presence")
}

func TestSession_LeaveAnnouncesAndUnregisters(t *testing.T) {
	reg, base := newTestServer(t)

	listener := dial(t, base+"/ws/5")
	waitOnline(t, reg, 5, 1)
	bob := dial(t, base+"/ws/5?token=bob-token")
	waitOnline(t, reg, 5, 2)
	assert.Equal(t, "Bob joined the room", readSystem(t, listener).Message)

	require.NoError(t, bob.Close())
	waitOnline(t, reg, 5, 1)
	assert.Equal(t, "Bob left the room", readSystem(t, listener).Message)
	_, ok := reg.UserConn(7)
	assert.False(t, ok)
}

func TestSession_SecondTabKeepsMappingAfterFirstCloses(t *testing.T) {
	reg, base := newTestServer(t)

	tabA := dial(t, base+"/ws/5?token=bob-token")
	waitOnline(t, reg, 5, 1)
	first, _ := reg.UserConn(7)
	dial(t, base+"/ws/5?token=bob-token")
	waitOnline(t, reg, 5, 2)
	second, _ := reg.UserConn(7)
	require.NotEqual(t, first, second)

	require.NoError(t, tabA.Close())
	waitOnline(t, reg, 5, 1)
	cur, ok := reg.UserConn(7)
	require.True(t, ok)
	assert.Equal(t, second, cur)
}

func TestSession_InboundFramesAreIgnored(t *testing.T) {
	reg, base := newTestServer(t)

	conn := dial(t, base+"/ws/5")
	waitOnline(t, reg, 5, 1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"content":"sneaky"}`)))

	// the frame is dropped: the connection stays joined and sees only server broadcasts
	reg.Broadcast(5, []byte(`"server"`))
	assert.Equal(t, `"server"`, string(readText(t, conn)))
	assert.Equal(t, 1, reg.Online(5))
}

func TestClient_SendAfterClose(t *testing.T) {
	c := &Client{send: make(chan []byte, 1)}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrSendBufferFull)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("c")), ErrClientClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}
