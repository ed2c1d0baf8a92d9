package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-dm/internal/metrics"
	"github.com/pelusa-v/pelusa-dm/internal/models"
	"github.com/pelusa-v/pelusa-dm/internal/presence"
)

const waitFor = time.Second

func startHub(t *testing.T, multiDevice bool, limiter Limiter) *Hub {
	t.Helper()
	h := NewHub(presence.NewRegistry(multiDevice), limiter)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func connect(t *testing.T, h *Hub, user string) *Client {
	t.Helper()
	c := newClient(h, nil, user, SessionConfig{})
	require.NoError(t, h.Register(c))
	return c
}

// recv returns the next frame for c with the given event, skipping others.
func recv(t *testing.T, c *Client, event string) models.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case frame, ok := <-c.send:
			require.True(t, ok, "send buffer closed while waiting for %s", event)
			var env models.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame for %s", event, c.userID)
		}
	}
}

// expectNone asserts no frame of event arrives for c within a short window.
func expectNone(t *testing.T, c *Client, event string) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			var env models.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			assert.NotEqual(t, event, env.Event, "unexpected %s frame for %s", event, c.userID)
		case <-deadline:
			return
		}
	}
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	h := startHub(t, false, nil)
	a := connect(t, h, "alice")
	assert.Equal(t, StateActive, a.State())

	var online []string
	require.NoError(t, json.Unmarshal(recv(t, a, models.EventOnlineUsers).Data, &online))
	assert.Equal(t, []string{"alice"}, online)

	b := connect(t, h, "bob")
	require.NoError(t, json.Unmarshal(recv(t, a, models.EventOnlineUsers).Data, &online))
	assert.Equal(t, []string{"alice", "bob"}, online)
	require.NoError(t, json.Unmarshal(recv(t, b, models.EventOnlineUsers).Data, &online))
	assert.Equal(t, []string{"alice", "bob"}, online)

	h.Unregister(b)
	require.NoError(t, json.Unmarshal(recv(t, a, models.EventOnlineUsers).Data, &online))
	assert.Equal(t, []string{"alice"}, online)
	assert.Eventually(t, func() bool { return b.State() == StateClosed }, waitFor, 5*time.Millisecond)
}

func TestEmitReachesBothPartiesOnce(t *testing.T) {
	h := startHub(t, false, nil)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")

	m := models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Text: "yo"}
	require.NoError(t, h.Emit(models.EventNewMessage, m, "bob", "alice"))

	var gotA, gotB models.Message
	require.NoError(t, json.Unmarshal(recv(t, a, models.EventNewMessage).Data, &gotA))
	require.NoError(t, json.Unmarshal(recv(t, b, models.EventNewMessage).Data, &gotB))
	assert.Equal(t, "m1", gotA.ID)
	assert.Equal(t, gotA.ID, gotB.ID)
	expectNone(t, a, models.EventNewMessage)
	expectNone(t, b, models.EventNewMessage)
}

func TestEmitSameConnectionOnce(t *testing.T) {
	h := startHub(t, false, nil)
	a := connect(t, h, "alice")
	require.NoError(t, h.Emit(models.EventNewMessage, models.Message{ID: "self"}, "alice", "alice"))
	recv(t, a, models.EventNewMessage)
	expectNone(t, a, models.EventNewMessage)
}

func TestEmitToOfflineIsDropped(t *testing.T) {
	h := startHub(t, false, nil)
	a := connect(t, h, "alice")
	before := testutil.ToFloat64(metrics.PushDropped.WithLabelValues("offline"))

	require.NoError(t, h.Emit(models.EventNewMessage, models.Message{ID: "m1"}, "bob", "alice"))
	recv(t, a, models.EventNewMessage)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PushDropped.WithLabelValues("offline")))
}

func TestStaleDisconnectKeepsNewerSession(t *testing.T) {
	h := startHub(t, false, nil)
	old := connect(t, h, "alice")
	fresh := connect(t, h, "alice")

	h.Unregister(old)
	assert.Eventually(t, func() bool { return old.State() == StateClosed }, waitFor, 5*time.Millisecond)
	assert.True(t, h.IsOnline("alice"))

	require.NoError(t, h.Emit(models.EventNewMessage, models.Message{ID: "m2"}, "alice"))
	recv(t, fresh, models.EventNewMessage)
}

func TestMultiDeviceFanOut(t *testing.T) {
	h := startHub(t, true, nil)
	phone := connect(t, h, "alice")
	laptop := connect(t, h, "alice")

	require.NoError(t, h.Emit(models.EventNewMessage, models.Message{ID: "m3"}, "alice"))
	recv(t, phone, models.EventNewMessage)
	recv(t, laptop, models.EventNewMessage)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func TestTypingGoesToPeerOnly(t *testing.T) {
	h := startHub(t, false, nil)
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")

	data, _ := json.Marshal(models.TypingSignal{ReceiverID: "bob", IsTyping: true})
	h.handleInbound(a, models.Envelope{Event: models.EventTyping, Data: data})

	var typing models.UserTyping
	require.NoError(t, json.Unmarshal(recv(t, b, models.EventUserTyping).Data, &typing))
	assert.Equal(t, models.UserTyping{SenderID: "alice", IsTyping: true}, typing)
	expectNone(t, a, models.EventUserTyping)
}

func TestTypingRateLimited(t *testing.T) {
	h := startHub(t, false, denyAll{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")

	data, _ := json.Marshal(models.TypingSignal{ReceiverID: "bob", IsTyping: true})
	h.handleInbound(a, models.Envelope{Event: models.EventTyping, Data: data})
	expectNone(t, b, models.EventUserTyping)
}

func TestStoppedHub(t *testing.T) {
	h := NewHub(presence.NewRegistry(false), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	a := connect(t, h, "alice")
	cancel()
	<-h.done

	assert.ErrorIs(t, h.Emit(models.EventNewMessage, models.Message{}, "alice"), ErrHubStopped)
	assert.ErrorIs(t, h.Register(newClient(h, nil, "bob", SessionConfig{})), ErrHubStopped)
	assert.Equal(t, StateClosed, a.State())
}

type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written []models.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return websocket.TextMessage, b, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(mt int, b []byte) error {
	select {
	case <-f.done:
		return errors.New("use of closed connection")
	default:
	}
	if mt != websocket.TextMessage {
		return nil
	}
	var env models.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, e := range f.written {
		out[i] = e.Event
	}
	return out
}

func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func TestServeRejectsMissingIdentity(t *testing.T) {
	h := startHub(t, false, nil)
	conn := newFakeConn()
	err := h.Serve(conn, "", SessionConfig{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, h.Online())
	select {
	case <-conn.done:
	default:
		t.Fatal("connection left open")
	}
}

func TestServeLifecycle(t *testing.T) {
	h := startHub(t, false, nil)
	peer := connect(t, h, "bob")

	conn := newFakeConn()
	served := make(chan error, 1)
	go func() { served <- h.Serve(conn, "alice", SessionConfig{}) }()

	require.Eventually(t, func() bool { return h.IsOnline("alice") }, waitFor, 5*time.Millisecond)

	sig, _ := models.Encode(models.EventTyping, models.TypingSignal{ReceiverID: "bob", IsTyping: true})
	conn.in <- sig
	recv(t, peer, models.EventUserTyping)

	require.NoError(t, h.Emit(models.EventNewMessage, models.Message{ID: "m9"}, "alice"))
	require.Eventually(t, func() bool {
		for _, e := range conn.events() {
			if e == models.EventNewMessage {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	conn.Close()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after transport teardown")
	}
	assert.Eventually(t, func() bool { return !h.IsOnline("alice") }, waitFor, 5*time.Millisecond)
}
