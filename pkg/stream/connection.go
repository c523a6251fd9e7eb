// Package stream maintains the live websocket channel of one conversation.
//
// A Connection moves through disconnected → connecting → connected | error.
// After an unexpected failure it reconnects at most MaxRetries times, waiting
// RetryDelay before each attempt; a successful open restores the budget. Once
// the budget is spent the connection stays down with ReconnectRequired set
// until Reconnect is called. Close always wins over a scheduled retry.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/metrics"
)

const maxFrameSize = 1 << 20

type Config struct {
	// URL is the channel base, e.g. ws://host/ws/chat/. The conversation id
	// and token are appended per connection.
	URL              string
	RetryDelay       time.Duration
	MaxRetries       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Dialer           *websocket.Dialer
	Metrics          *metrics.Collectors
}

func DefaultConfig(streamURL string) Config {
	return Config{
		URL:              streamURL,
		RetryDelay:       2 * time.Second,
		MaxRetries:       1,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// DeliveryFunc receives every decoded inbound message, in arrival order.
type DeliveryFunc func(chat.Message)

// StatusFunc receives state transitions, in order. It must not call Close or
// Reconnect synchronously.
type StatusFunc func(chat.Status)

type outboundFrame struct {
	Text string `json:"text"`
}

type Connection struct {
	cfg       Config
	convID    chat.ID
	dialer    *websocket.Dialer
	onMessage DeliveryFunc
	onStatus  StatusFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	state             chat.ConnectionState
	lastErr           error
	conn              *websocket.Conn
	credential        string
	opened            bool
	closed            bool
	gen               uint64
	attempts          int
	reconnectRequired bool
	retryTimer        *time.Timer
	statusSeq         uint64

	writeMu sync.Mutex

	notifyMu    sync.Mutex
	notifiedSeq uint64
}

func New(convID chat.ID, cfg Config, onMessage DeliveryFunc, onStatus StatusFunc) *Connection {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:       cfg,
		convID:    convID,
		dialer:    dialer,
		onMessage: onMessage,
		onStatus:  onStatus,
		ctx:       ctx,
		cancel:    cancel,
		state:     chat.StateDisconnected,
	}
}

func (c *Connection) ConversationID() chat.ID { return c.convID }

func (c *Connection) State() chat.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Status() chat.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Open starts the channel and blocks until the first attempt settles. An
// empty credential moves to no-credential without dialing. A failed first
// attempt is returned and may still be retried in the background.
func (c *Connection) Open(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chat.ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return errors.New("stream: connection already opened")
	}
	c.opened = true
	gen := c.gen
	c.mu.Unlock()

	return c.start(ctx, gen, credential)
}

// Reconnect discards any current channel, restores the retry budget and
// dials again.
func (c *Connection) Reconnect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chat.ErrClosed
	}
	c.opened = true
	c.gen++
	gen := c.gen
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.reconnectRequired = false
	c.mu.Unlock()

	if conn != nil {
		c.cfg.Metrics.SetConnected(false)
		_ = conn.Close()
	}
	log.Info().Str("component", "stream").Str("conv_id", c.convID.String()).Msg("reconnect requested")
	return c.start(ctx, gen, credential)
}

func (c *Connection) start(ctx context.Context, gen uint64, credential string) error {
	if strings.TrimSpace(credential) == "" {
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return chat.ErrClosed
		}
		st := c.setStateLocked(chat.StateNoCredential, chat.ErrNoCredential)
		c.mu.Unlock()
		c.notify(st)
		log.Warn().Str("component", "stream").Str("conv_id", c.convID.String()).Msg("no credential, not connecting")
		return chat.ErrNoCredential
	}
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
	return c.connect(ctx, gen)
}

// Send writes one outbound frame carrying only text. It is rejected unless
// the channel is connected; nothing is queued.
func (c *Connection) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()
	if state != chat.StateConnected || conn == nil {
		return &chat.SendRejectedError{Reason: chat.RejectNotConnected, State: state}
	}

	b, err := json.Marshal(outboundFrame{Text: text})
	if err != nil {
		return errors.Wrap(err, "encode outbound frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Time{}
	if c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// the read loop observes the broken conn and runs the retry policy
		_ = conn.Close()
		return chat.ConnectFailure("write", err)
	}
	return nil
}

// Close tears the channel down and cancels any scheduled retry. It is safe
// to call more than once and while Open is in flight.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == chat.StateConnected
	st := c.setStateLocked(chat.StateDisconnected, nil)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if wasConnected {
		c.cfg.Metrics.SetConnected(false)
	}
	log.Info().Str("component", "stream").Str("conv_id", c.convID.String()).Str("reason", reason).Msg("connection closed")
	c.notify(st)
}

func (c *Connection) connect(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return chat.ErrClosed
	}
	credential := c.credential
	st := c.setStateLocked(chat.StateConnecting, nil)
	c.mu.Unlock()
	c.notify(st)

	endpoint, err := c.endpoint(credential)
	if err != nil {
		c.fail(gen, err, false)
		return err
	}

	dialCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	if ctx != nil {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
	}

	log.Debug().Str("component", "stream").Str("conv_id", c.convID.String()).Msg("dialing")
	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "handshake status %d", resp.StatusCode)
		}
		err = chat.ConnectFailure("dial", err)
		if !c.fail(gen, err, false) {
			return chat.ErrClosed
		}
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return chat.ErrClosed
	}
	c.conn = conn
	c.attempts = 0
	c.reconnectRequired = false
	st = c.setStateLocked(chat.StateConnected, nil)
	c.mu.Unlock()

	c.cfg.Metrics.SetConnected(true)
	log.Info().Str("component", "stream").Str("conv_id", c.convID.String()).Msg("connected")
	c.notify(st)

	go c.readLoop(gen, conn)
	return nil
}

func (c *Connection) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(gen, chat.ConnectFailure("read", err), true)
			return
		}
		m, err := c.decode(data)
		if err != nil {
			c.cfg.Metrics.FrameDropped("malformed")
			log.Warn().Err(err).Str("component", "stream").Str("conv_id", c.convID.String()).
				Int("bytes", len(data)).Msg("dropping inbound frame")
			continue
		}
		if !c.current(gen) {
			c.cfg.Metrics.Stale("stream")
			log.Debug().Str("component", "stream").Str("conv_id", c.convID.String()).Msg("discarding delivery after teardown")
			return
		}
		c.cfg.Metrics.FrameReceived()
		if c.onMessage != nil {
			c.onMessage(m)
		}
	}
}

func (c *Connection) decode(data []byte) (chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return chat.Message{}, errors.Wrapf(chat.ErrMalformedFrame, "decode: %v", err)
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, err
	}
	if !m.ConversationID.IsZero() && m.ConversationID != c.convID {
		return chat.Message{}, errors.Wrapf(chat.ErrMalformedFrame, "frame for conversation %s", m.ConversationID)
	}
	return m, nil
}

// fail records a failure of generation gen and applies the retry policy.
// It returns false when gen is no longer current.
func (c *Connection) fail(gen uint64, err error, wasConnected bool) bool {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	state := chat.StateError
	if wasConnected {
		state = chat.StateDisconnected
	}
	if c.attempts < c.cfg.MaxRetries {
		c.attempts++
		c.stopRetryLocked()
		c.retryTimer = time.AfterFunc(c.cfg.RetryDelay, func() { c.retry(gen) })
		c.cfg.Metrics.Reconnect()
	} else {
		c.reconnectRequired = true
	}
	st := c.setStateLocked(state, err)
	c.mu.Unlock()

	if wasConnected {
		c.cfg.Metrics.SetConnected(false)
	}
	ev := log.Warn()
	if st.ReconnectRequired {
		ev = log.Error()
	}
	ev.Err(err).Str("component", "stream").Str("conv_id", c.convID.String()).
		Int("attempt", st.Attempt).Bool("reconnect_required", st.ReconnectRequired).Msg("connection failed")
	c.notify(st)
	return true
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	var st chat.Status
	settle := c.state == chat.StateError
	if settle {
		st = c.setStateLocked(chat.StateDisconnected, c.lastErr)
	}
	c.mu.Unlock()
	if settle {
		c.notify(st)
	}
	log.Info().Str("component", "stream").Str("conv_id", c.convID.String()).Msg("retrying connection")
	_ = c.connect(nil, gen)
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen
}

func (c *Connection) endpoint(credential string) (string, error) {
	base := strings.TrimSuffix(strings.TrimSpace(c.cfg.URL), "/")
	if base == "" {
		return "", errors.New("stream: empty url")
	}
	u, err := url.Parse(base + "/" + url.PathEscape(c.convID.String()) + "/")
	if err != nil {
		return "", errors.Wrap(err, "stream: invalid url")
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connection) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Connection) setStateLocked(state chat.ConnectionState, err error) chat.Status {
	c.state = state
	c.lastErr = err
	c.statusSeq++
	return c.statusLocked()
}

func (c *Connection) statusLocked() chat.Status {
	return chat.Status{
		ConversationID:    c.convID,
		State:             c.state,
		Err:               c.lastErr,
		Attempt:           c.attempts,
		ReconnectRequired: c.reconnectRequired,
		Seq:               c.statusSeq,
	}
}

// notify hands st to the listener unless a newer status was already
// delivered.
func (c *Connection) notify(st chat.Status) {
	if c.onStatus == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if st.Seq <= c.notifiedSeq {
		return
	}
	c.notifiedSeq = st.Seq
	c.onStatus(st)
}
