package broadcast

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id      string
	mu      sync.Mutex
	open    bool
	sendErr error
	got     [][]byte
	closes  int
}

func newFake(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, open: true}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSubscriber) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.got = append(f.got, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closes++
	return nil
}

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func TestHub_BroadcastSkipsAndRemovesClosed(t *testing.T) {
	hub := NewHub(nil, 0)
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	require.True(t, hub.Add(a))
	require.True(t, hub.Add(b))
	require.True(t, hub.Add(c))
	require.NoError(t, b.Close())

	hub.Broadcast([]byte("ts-packet"))

	assert.Equal(t, [][]byte{[]byte("ts-packet")}, a.received())
	assert.Equal(t, [][]byte{[]byte("ts-packet")}, c.received())
	assert.Empty(t, b.received())
	assert.Equal(t, 2, hub.Count())
}

func TestHub_SendFailureEvictsOnlyThatSubscriber(t *testing.T) {
	hub := NewHub(nil, 0)
	good, bad := newFake("good"), newFake("bad")
	bad.sendErr = errors.New("broken pipe")
	hub.Add(good)
	hub.Add(bad)

	hub.Broadcast([]byte{1, 2, 3})

	assert.Len(t, good.received(), 1)
	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, 1, bad.closes)
	assert.Equal(t, uint64(1), hub.Status().Evictions)
	assert.Equal(t, uint64(3), hub.Status().BytesSent)

	// The evicted subscriber never receives later chunks.
	hub.Broadcast([]byte{4})
	assert.Len(t, good.received(), 2)
	assert.Equal(t, 1, bad.closes)
}

func TestHub_BroadcastPreservesOrder(t *testing.T) {
	hub := NewHub(nil, 0)
	sub := newFake("s")
	hub.Add(sub)

	for i := 0; i < 10; i++ {
		hub.Broadcast([]byte{byte(i)})
	}

	got := sub.received()
	require.Len(t, got, 10)
	for i, chunk := range got {
		assert.Equal(t, []byte{byte(i)}, chunk)
	}
}

func TestHub_EmptyChunkIgnored(t *testing.T) {
	hub := NewHub(nil, 0)
	sub := newFake("s")
	hub.Add(sub)

	hub.Broadcast(nil)
	assert.Empty(t, sub.received())
}

func TestHub_RemoveIsIdempotent(t *testing.T) {
	hub := NewHub(nil, 0)
	hub.Add(newFake("x"))

	assert.True(t, hub.Remove("x"))
	assert.False(t, hub.Remove("x"))
	assert.False(t, hub.Remove("never-added"))
	assert.Zero(t, hub.Count())
}

func TestHub_StopClosesSubscribersAndRejectsNew(t *testing.T) {
	hub := NewHub(nil, 0)
	a, b := newFake("a"), newFake("b")
	hub.Add(a)
	hub.Add(b)

	require.NoError(t, hub.Stop(context.Background()))
	require.NoError(t, hub.Stop(context.Background()))

	assert.False(t, a.IsOpen())
	assert.False(t, b.IsOpen())
	assert.Zero(t, hub.Count())

	late := newFake("late")
	assert.False(t, hub.Add(late))
	assert.False(t, late.IsOpen())
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func TestHub_WebsocketIntegration(t *testing.T) {
	hub := NewHub(nil, time.Second)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c1 := dial(t, srv.URL)
	defer c1.Close()
	c2 := dial(t, srv.URL)

	require.Eventually(t, func() bool { return hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast([]byte{0x47, 0x00, 0x11})

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		mt, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, []byte{0x47, 0x00, 0x11}, data)
	}

	// A client that goes away is removed by its read loop.
	require.NoError(t, c2.Close())
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Stop(context.Background()))
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c1.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)
}

func TestHub_StartBindsAndServes(t *testing.T) {
	hub := NewHub(nil, 0)
	require.NoError(t, hub.Start("127.0.0.1:0"))
	defer func() { _ = hub.Stop(context.Background()) }()

	addr := hub.Addr()
	require.NotNil(t, addr)
	assert.Equal(t, addr.String(), hub.Status().Address)

	conn := dial(t, "http://"+addr.String())
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_StartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hub := NewHub(nil, 0)
	err = hub.Start(ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding broadcast listener")
}
