// Package switcher owns the active conversation. At any time there is at
// most one live Connection and one Reconciler, both scoped to that
// conversation, and at most one history fetch in flight for it.
package switcher

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/credentials"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/reconcile"
	"github.com/go-go-golems/chatsync/pkg/stream"
)

// ErrIdle is returned by operations that need an active conversation.
var ErrIdle = errors.New("no active conversation")

// Observer receives everything the UI renders. Calls are serialized and
// never carry data of a conversation that is no longer active. Observers
// must not call back into the Switcher synchronously.
type Observer interface {
	OnStatus(chat.Status)
	OnBuffer(reconcile.Update)
	OnFetchError(convID chat.ID, err error)
}

// ObserverFuncs adapts plain funcs to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Status     func(chat.Status)
	Buffer     func(reconcile.Update)
	FetchError func(chat.ID, error)
}

func (o ObserverFuncs) OnStatus(st chat.Status) {
	if o.Status != nil {
		o.Status(st)
	}
}

func (o ObserverFuncs) OnBuffer(u reconcile.Update) {
	if o.Buffer != nil {
		o.Buffer(u)
	}
}

func (o ObserverFuncs) OnFetchError(convID chat.ID, err error) {
	if o.FetchError != nil {
		o.FetchError(convID, err)
	}
}

type Options struct {
	Stream  stream.Config
	History *history.Fetcher
	Tokens  credentials.TokenProvider
	Metrics *metrics.Collectors
}

type session struct {
	convID chat.ID
	gen    uint64
	conn   *stream.Connection
	rec    *reconcile.Reconciler
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) close(reason string) {
	s.cancel()
	s.conn.Close(reason)
	s.rec.Close()
}

type Switcher struct {
	opts Options

	// selectMu serializes Select and Close.
	selectMu sync.Mutex
	// pubMu serializes observer calls with the swap of the active session.
	pubMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	mu     sync.Mutex
	active *session
	gen    uint64
	closed bool

	fetches singleflight.Group
}

func New(opts Options) *Switcher {
	if opts.Stream.Metrics == nil {
		opts.Stream.Metrics = opts.Metrics
	}
	return &Switcher{
		opts:      opts,
		observers: map[int]Observer{},
	}
}

// Subscribe registers o and returns a func that removes it.
func (s *Switcher) Subscribe(o Observer) func() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	return func() {
		s.pubMu.Lock()
		delete(s.observers, id)
		s.pubMu.Unlock()
	}
}

// Select makes convID the active conversation. The previous conversation is
// torn down first and observers see an empty buffer before any data of the
// new one. An empty convID leaves the switcher idle. Selecting the active
// conversation again is a no-op.
//
// Select blocks until the first connection attempt settles, but a concurrent
// Select or Close does not wait for it: it tears the new session down and the
// pending attempt completes as a no-op.
func (s *Switcher) Select(ctx context.Context, convID chat.ID) error {
	sess, err := s.activate(convID)
	if err != nil || sess == nil {
		return err
	}

	log.Info().Str("component", "switcher").Str("conv_id", convID.String()).Msg("entering conversation")
	err = sess.conn.Open(ctx, s.credential(ctx))
	if errors.Is(err, chat.ErrClosed) {
		return nil
	}
	return err
}

// activate swaps in a session for convID under selectMu and returns it, or
// nil when there is nothing to open.
func (s *Switcher) activate(convID chat.ID) (*session, error) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, chat.ErrClosed
	}
	if s.active != nil && s.active.convID == convID {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	old := s.swap(convID)
	if old != nil {
		log.Info().Str("component", "switcher").Str("conv_id", old.convID.String()).
			Str("next_conv_id", convID.String()).Msg("leaving conversation")
		old.close("conversation switch")
	}
	if convID.IsZero() {
		log.Info().Str("component", "switcher").Msg("idle")
		return nil, nil
	}

	sess := s.newSession(convID)
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()
	return sess, nil
}

// swap clears the active session and emits the reset for next while holding
// pubMu, so no update of the old session can be published afterwards.
func (s *Switcher) swap(next chat.ID) *session {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	old := s.active
	s.active = nil
	s.gen++
	s.mu.Unlock()

	u := reconcile.Update{ConversationID: next, Kind: reconcile.ChangeReset, Snapshot: []chat.Message{}}
	for _, o := range s.observersLocked() {
		o.OnBuffer(u)
	}
	if next.IsZero() {
		st := chat.Status{State: chat.StateDisconnected}
		for _, o := range s.observersLocked() {
			o.OnStatus(st)
		}
	}
	return old
}

func (s *Switcher) newSession(convID chat.ID) *session {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{convID: convID, gen: gen, ctx: ctx, cancel: cancel}
	sess.rec = reconcile.New(convID, reconcile.WithMetrics(s.opts.Metrics))
	sess.rec.Subscribe(func(u reconcile.Update) { s.publishBuffer(sess, u) })
	sess.conn = stream.New(convID, s.opts.Stream,
		func(m chat.Message) { sess.rec.Deliver(convID, m) },
		func(st chat.Status) { s.onStatus(sess, st) },
	)
	return sess
}

func (s *Switcher) onStatus(sess *session, st chat.Status) {
	if !s.publishStatus(sess, st) {
		log.Debug().Str("component", "switcher").Str("conv_id", sess.convID.String()).
			Str("state", st.State.String()).Msg("discarding status of inactive conversation")
		return
	}
	if st.State == chat.StateConnected {
		go s.loadHistory(sess)
	}
}

// loadHistory fetches the newest page once per connect. Concurrent triggers
// for the same session share one request.
func (s *Switcher) loadHistory(sess *session) {
	key := "history:" + strconv.FormatUint(sess.gen, 10)
	_, _, _ = s.fetches.Do(key, func() (interface{}, error) {
		credential := s.credential(sess.ctx)
		msgs, err := s.opts.History.Fetch(sess.ctx, sess.convID, credential)
		if !s.isActive(sess) || sess.ctx.Err() != nil {
			s.opts.Metrics.Stale("history")
			log.Debug().Str("component", "switcher").Str("conv_id", sess.convID.String()).
				Msg("discarding history of inactive conversation")
			return nil, nil
		}
		if err != nil {
			log.Warn().Err(err).Str("component", "switcher").Str("conv_id", sess.convID.String()).
				Msg("history fetch failed, keeping buffer")
			s.publishFetchError(sess, err)
			return nil, err
		}
		sess.rec.ReplaceHistory(sess.convID, msgs)
		return nil, nil
	})
}

// LoadOlder fetches the page before the oldest buffered message and puts it
// in front of the buffer. It returns the number of messages added.
func (s *Switcher) LoadOlder(ctx context.Context) (int, error) {
	sess := s.current()
	if sess == nil {
		return 0, ErrIdle
	}
	credential := s.credential(ctx)
	msgs, err := s.opts.History.FetchPage(ctx, sess.convID, credential, history.Page{BeforeID: sess.rec.OldestID()})
	if !s.isActive(sess) {
		s.opts.Metrics.Stale("older")
		return 0, nil
	}
	if err != nil {
		s.publishFetchError(sess, err)
		return 0, err
	}
	return sess.rec.PrependOlder(sess.convID, msgs), nil
}

// Reconnect is the explicit action offered once the retry budget is spent.
func (s *Switcher) Reconnect(ctx context.Context) error {
	sess := s.current()
	if sess == nil {
		return ErrIdle
	}
	err := sess.conn.Reconnect(ctx, s.credential(ctx))
	if errors.Is(err, chat.ErrClosed) {
		return nil
	}
	return err
}

// Close tears down the active conversation. It is idempotent.
func (s *Switcher) Close() {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if old := s.swap(""); old != nil {
		old.close("shutdown")
	}
}

func (s *Switcher) Active() chat.ID {
	if sess := s.current(); sess != nil {
		return sess.convID
	}
	return ""
}

func (s *Switcher) Status() chat.Status {
	if sess := s.current(); sess != nil {
		return sess.conn.Status()
	}
	return chat.Status{State: chat.StateDisconnected}
}

func (s *Switcher) State() chat.ConnectionState {
	return s.Status().State
}

func (s *Switcher) Snapshot() []chat.Message {
	if sess := s.current(); sess != nil {
		return sess.rec.Snapshot()
	}
	return []chat.Message{}
}

// Send writes text on the active conversation's channel.
func (s *Switcher) Send(ctx context.Context, text string) error {
	sess := s.current()
	if sess == nil {
		return &chat.SendRejectedError{Reason: chat.RejectNotConnected, State: chat.StateDisconnected}
	}
	return sess.conn.Send(ctx, text)
}

func (s *Switcher) credential(ctx context.Context) string {
	if s.opts.Tokens == nil {
		return ""
	}
	token, err := s.opts.Tokens.AccessToken(ctx)
	if err != nil {
		if !errors.Is(err, chat.ErrNoCredential) {
			log.Warn().Err(err).Str("component", "switcher").Msg("credential lookup failed")
		}
		return ""
	}
	return token
}

func (s *Switcher) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Switcher) isActive(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == sess && s.gen == sess.gen
}

func (s *Switcher) publishStatus(sess *session, st chat.Status) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if !s.isActive(sess) {
		return false
	}
	for _, o := range s.observersLocked() {
		o.OnStatus(st)
	}
	return true
}

func (s *Switcher) publishBuffer(sess *session, u reconcile.Update) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if !s.isActive(sess) {
		return
	}
	for _, o := range s.observersLocked() {
		o.OnBuffer(u)
	}
}

func (s *Switcher) publishFetchError(sess *session, err error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if !s.isActive(sess) {
		return
	}
	for _, o := range s.observersLocked() {
		o.OnFetchError(sess.convID, err)
	}
}

func (s *Switcher) observersLocked() []Observer {
	ret := make([]Observer, 0, len(s.observers))
	for i := 0; i < s.nextObs; i++ {
		if o, ok := s.observers[i]; ok {
			ret = append(ret, o)
		}
	}
	return ret
}
