package stream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/chattest"
	"github.com/go-go-golems/chatsync/pkg/metrics"
)

const token = "tok"

type recorder struct {
	mu       sync.Mutex
	statuses []chat.Status
	messages []chat.Message
}

func (r *recorder) onMessage(m chat.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *recorder) onStatus(st chat.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
}

func (r *recorder) states() []chat.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]chat.ConnectionState, 0, len(r.statuses))
	for _, st := range r.statuses {
		ret = append(ret, st.State)
	}
	return ret
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		ret = append(ret, m.Text)
	}
	return ret
}

func (r *recorder) last() chat.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return chat.Status{}
	}
	return r.statuses[len(r.statuses)-1]
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func newConn(t *testing.T, srv *chattest.Server, convID chat.ID, cfg Config) (*Connection, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := New(convID, cfg, rec.onMessage, rec.onStatus)
	t.Cleanup(func() { c.Close("test done") })
	return c, rec
}

func TestOpen_NoCredentialDoesNotDial(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, rec := newConn(t, srv, "42", testConfig(srv.StreamURL()))

	err := c.Open(context.Background(), "")
	require.True(t, errors.Is(err, chat.ErrNoCredential))
	require.Equal(t, chat.StateNoCredential, c.State())
	require.Equal(t, []chat.ConnectionState{chat.StateNoCredential}, rec.states())
	require.Zero(t, srv.Dials())
}

func TestOpen_DeliversInArrivalOrder(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, rec := newConn(t, srv, "42", testConfig(srv.StreamURL()))

	require.NoError(t, c.Open(context.Background(), token))
	require.Equal(t, chat.StateConnected, c.State())
	require.Equal(t, []chat.ConnectionState{chat.StateConnecting, chat.StateConnected}, rec.states())
	require.Eventually(t, func() bool { return srv.Clients("42") == 1 }, time.Second, 5*time.Millisecond)

	srv.Post("42", "2", "a")
	srv.Post("42", "2", "b")
	srv.Post("42", "2", "c")
	require.Eventually(t, func() bool { return len(rec.texts()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, rec.texts())
}

func TestSend_RejectedUnlessConnected(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, _ := newConn(t, srv, "42", testConfig(srv.StreamURL()))

	err := c.Send(context.Background(), "hello")
	require.True(t, chat.RejectedBecause(err, chat.RejectNotConnected))
	require.True(t, errors.Is(err, chat.ErrSendRejected))
	require.Empty(t, srv.Received())
}

func TestSend_WritesTextOnlyFrame(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, rec := newConn(t, srv, "42", testConfig(srv.StreamURL()))
	require.NoError(t, c.Open(context.Background(), token))

	require.NoError(t, c.Send(context.Background(), "hello"))
	require.Eventually(t, func() bool { return len(srv.Received()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, chattest.Received{ConversationID: "42", Text: "hello"}, srv.Received()[0])

	// the server echo arrives through the normal delivery path
	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	cfg := testConfig(srv.StreamURL())
	cfg.Metrics = m
	c, rec := newConn(t, srv, "42", cfg)
	require.NoError(t, c.Open(context.Background(), token))
	require.Eventually(t, func() bool { return srv.Clients("42") == 1 }, time.Second, 5*time.Millisecond)

	srv.DeliverRaw("42", []byte("not json"))
	srv.DeliverRaw("42", []byte(`{"text":"no id"}`))
	srv.DeliverRaw("42", []byte(`{"id":5,"chat_id":7,"text":"wrong chat"}`))
	srv.Post("42", "2", "ok")

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"ok"}, rec.texts())
	require.Equal(t, chat.StateConnected, c.State())
	require.Equal(t, 3.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("malformed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived))
}

func TestUnexpectedDropReconnectsOnce(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, rec := newConn(t, srv, "42", testConfig(srv.StreamURL()))
	require.NoError(t, c.Open(context.Background(), token))
	require.Eventually(t, func() bool { return srv.Clients("42") == 1 }, time.Second, 5*time.Millisecond)

	srv.DropClients("42")
	require.Eventually(t, func() bool { return srv.Dials() == 2 && c.State() == chat.StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.False(t, c.Status().ReconnectRequired)
	require.Zero(t, c.Status().Attempt, "a successful open restores the budget")

	// the budget is available again for the next drop
	require.Eventually(t, func() bool { return srv.Clients("42") == 1 }, time.Second, 5*time.Millisecond)
	srv.DropClients("42")
	require.Eventually(t, func() bool { return srv.Dials() == 3 && c.State() == chat.StateConnected }, 2*time.Second, 5*time.Millisecond)

	require.Contains(t, rec.states(), chat.StateDisconnected)
}

func TestRetryExhaustionRequiresExplicitReconnect(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, rec := newConn(t, srv, "42", testConfig(srv.StreamURL()))
	require.NoError(t, c.Open(context.Background(), token))
	require.Eventually(t, func() bool { return srv.Clients("42") == 1 }, time.Second, 5*time.Millisecond)

	srv.RejectDials(true)
	srv.DropClients("42")
	require.Eventually(t, func() bool { return rec.last().ReconnectRequired }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, chat.StateError, c.State())
	require.True(t, errors.Is(rec.last().Err, chat.ErrConnectFailure))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, srv.Dials(), "no retries beyond the budget")

	srv.RejectDials(false)
	require.NoError(t, c.Reconnect(context.Background(), token))
	require.Equal(t, chat.StateConnected, c.State())
	require.False(t, c.Status().ReconnectRequired)
}

func TestStaleReadFailureKeepsConnectedGauge(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	cfg := testConfig(srv.StreamURL())
	cfg.Metrics = m
	c, _ := newConn(t, srv, "42", cfg)
	require.NoError(t, c.Open(context.Background(), token))
	require.NoError(t, c.Reconnect(context.Background(), token))
	require.Equal(t, chat.StateConnected, c.State())
	require.Equal(t, float64(1), testutil.ToFloat64(m.Connected))

	// the read loop of the replaced channel fails after the new one is up
	old, _, err := websocket.DefaultDialer.Dial(srv.StreamURL()+"42/?token="+token, nil)
	require.NoError(t, err)
	_ = old.Close()
	c.mu.Lock()
	staleGen := c.gen - 1
	c.mu.Unlock()
	c.readLoop(staleGen, old)

	require.Equal(t, float64(1), testutil.ToFloat64(m.Connected))
	require.Equal(t, chat.StateConnected, c.State())
}

func TestCloseCancelsScheduledRetry(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	cfg := testConfig(srv.StreamURL())
	cfg.RetryDelay = 150 * time.Millisecond
	c, rec := newConn(t, srv, "42", cfg)
	require.NoError(t, c.Open(context.Background(), token))
	require.Eventually(t, func() bool { return srv.Clients("42") == 1 }, time.Second, 5*time.Millisecond)

	srv.DropClients("42")
	require.Eventually(t, func() bool { return c.State() == chat.StateDisconnected }, time.Second, 5*time.Millisecond)
	c.Close("switch")
	c.Close("unmount")

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, srv.Dials())
	require.Equal(t, chat.StateDisconnected, c.State())
	require.Equal(t, chat.StateDisconnected, rec.last().State)
	require.Nil(t, rec.last().Err)
}

func TestCloseRacesInFlightOpen(t *testing.T) {
	// a listener that accepts but never answers the handshake
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var heldMu sync.Mutex
	var held []net.Conn
	defer func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, conn := range held {
			_ = conn.Close()
		}
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()

	cfg := testConfig("ws://" + ln.Addr().String() + "/ws/chat/")
	cfg.HandshakeTimeout = 10 * time.Second
	c := New("42", cfg, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background(), token) }()
	require.Eventually(t, func() bool { return c.State() == chat.StateConnecting }, time.Second, time.Millisecond)

	c.Close("teardown")
	select {
	case err := <-done:
		require.True(t, errors.Is(err, chat.ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("open did not return after close")
	}
	require.Equal(t, chat.StateDisconnected, c.State())
}

func TestOpenAfterCloseIsClosed(t *testing.T) {
	srv := chattest.NewServer(token)
	defer srv.Close()
	c, _ := newConn(t, srv, "42", testConfig(srv.StreamURL()))
	c.Close("done")

	require.True(t, errors.Is(c.Open(context.Background(), token), chat.ErrClosed))
	require.True(t, errors.Is(c.Reconnect(context.Background(), token), chat.ErrClosed))
	require.Zero(t, srv.Dials())
}

func TestEndpointCarriesTokenAsParameter(t *testing.T) {
	c := New("a b", Config{URL: "wss://example.test/ws/chat"}, nil, nil)
	defer c.Close("done")
	got, err := c.endpoint("t&k")
	require.NoError(t, err)
	require.Equal(t, "wss://example.test/ws/chat/a%20b/?token=t%26k", got)
}
