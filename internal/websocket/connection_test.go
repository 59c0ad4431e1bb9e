package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/pkg/types"
)

// connectionPair returns a server-side Connection and the client end of the socket
func connectionPair(t *testing.T, opts ConnectionOptions) (*Connection, *websocket.Conn) {
	t.Helper()
	conns := make(chan *Connection, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- NewConnection(ws, opts)
	}))
	t.Cleanup(server.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func TestConnection_SendWritesInOrder(t *testing.T) {
	conn, client := connectionPair(t, ConnectionOptions{})
	assert.NotEmpty(t, conn.ID())

	for _, frame := range []string{"one", "two", "three"} {
		require.NoError(t, conn.Send([]byte(frame)))
	}
	assert.True(t, conn.Flush(time.Second))

	for _, want := range []string{"one", "two", "three"} {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestConnection_SendAfterCloseFails(t *testing.T) {
	conn, _ := connectionPair(t, ConnectionOptions{})

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")
	assert.True(t, conn.Closed())

	err := conn.Send([]byte("late"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, types.ErrDeliveryFailure)
	assert.False(t, conn.Flush(50*time.Millisecond))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("writer did not exit")
	}
}

func TestConnection_LivenessCheckPings(t *testing.T) {
	conn, client := connectionPair(t, ConnectionOptions{PingInterval: time.Hour})

	pinged := make(chan struct{}, 4)
	client.SetPingHandler(func(string) error {
		pinged <- struct{}{}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.RequestLivenessCheck()
	conn.RequestLivenessCheck() // coalesced while one is pending

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("no ping after liveness request")
	}
}

func TestConnection_Identity(t *testing.T) {
	conn, _ := connectionPair(t, ConnectionOptions{})

	assert.False(t, conn.IsAuthenticated())
	assert.Empty(t, conn.UserID())
	assert.False(t, conn.SetIdentity(nil))

	assert.True(t, conn.SetIdentity(&types.Identity{UserID: "alice"}))
	assert.False(t, conn.SetIdentity(&types.Identity{UserID: "mallory"}), "identity is set once")
	assert.Equal(t, "alice", conn.UserID())
	assert.True(t, conn.IsAuthenticated())
}

func TestConnection_Touch(t *testing.T) {
	conn, _ := connectionPair(t, ConnectionOptions{})

	before := conn.LastSeen()
	time.Sleep(5 * time.Millisecond)
	conn.Touch()
	assert.True(t, conn.LastSeen().After(before))
}
