// Package dispatch validates outbound text and hands it to the active live
// channel.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/metrics"
)

// Target is the channel a Dispatcher writes to.
type Target interface {
	State() chat.ConnectionState
	Send(ctx context.Context, text string) error
}

// Receipt identifies a send locally. The server assigns the message id; the
// message itself comes back through the normal delivery path.
type Receipt struct {
	LocalID        uuid.UUID
	ConversationID chat.ID
	Text           string
	IssuedAt       time.Time
}

// Compose is the text being typed.
type Compose struct {
	mu   sync.Mutex
	text string
}

func (c *Compose) Set(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

func (c *Compose) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Compose) Clear() { c.Set("") }

type Dispatcher struct {
	target  Target
	convID  func() chat.ID
	limiter *rate.Limiter
	metrics *metrics.Collectors
	compose Compose
}

type Option func(*Dispatcher)

// WithRateLimit caps outbound sends at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithConversation reports the conversation receipts are tagged with.
func WithConversation(f func() chat.ID) Option {
	return func(d *Dispatcher) { d.convID = f }
}

func New(target Target, opts ...Option) *Dispatcher {
	d := &Dispatcher{target: target}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Compose() *Compose { return &d.compose }

// Send forwards text to the target. Whitespace-only text, a target that is
// not connected and an exhausted rate limit are rejected without touching
// the network.
func (d *Dispatcher) Send(ctx context.Context, text string) (Receipt, error) {
	if strings.TrimSpace(text) == "" {
		d.metrics.Send("rejected")
		return Receipt{}, &chat.SendRejectedError{Reason: chat.RejectEmpty}
	}
	state := chat.StateDisconnected
	if d.target != nil {
		state = d.target.State()
	}
	if state != chat.StateConnected {
		d.metrics.Send("rejected")
		return Receipt{}, &chat.SendRejectedError{Reason: chat.RejectNotConnected, State: state}
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.metrics.Send("rejected")
		return Receipt{}, &chat.SendRejectedError{Reason: chat.RejectRateLimited, State: state}
	}

	if err := d.target.Send(ctx, text); err != nil {
		if chat.RejectedBecause(err, chat.RejectNotConnected) {
			d.metrics.Send("rejected")
		} else {
			d.metrics.Send("error")
		}
		return Receipt{}, err
	}
	d.metrics.Send("ok")

	r := Receipt{
		LocalID:  uuid.New(),
		Text:     text,
		IssuedAt: time.Now(),
	}
	if d.convID != nil {
		r.ConversationID = d.convID()
	}
	log.Debug().Str("component", "dispatch").Str("conv_id", r.ConversationID.String()).
		Str("local_id", r.LocalID.String()).Int("len", len(text)).Msg("message issued")
	return r, nil
}

// SendCompose sends the compose text and clears it once the send was issued.
// On any error the text is kept.
func (d *Dispatcher) SendCompose(ctx context.Context) (Receipt, error) {
	text := d.compose.Text()
	r, err := d.Send(ctx, text)
	if err != nil {
		return Receipt{}, err
	}
	d.compose.mu.Lock()
	if d.compose.text == text {
		d.compose.text = ""
	}
	d.compose.mu.Unlock()
	return r, nil
}
