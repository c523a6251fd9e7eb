package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/reconcile"
)

const forwarderQueue = 256

// Forwarder publishes switcher notifications as envelopes. Notifications are
// queued and published from one goroutine, so the notifying side never waits
// on the transport. When the queue is full the envelope is dropped.
type Forwarder struct {
	publisher message.Publisher
	topic     string
	now       func() time.Time

	queue chan Envelope
	done  chan struct{}
	once  sync.Once
	mu    sync.RWMutex
	stop  bool
}

func NewForwarder(publisher message.Publisher, topic string) *Forwarder {
	f := &Forwarder{
		publisher: publisher,
		topic:     topic,
		now:       time.Now,
		queue:     make(chan Envelope, forwarderQueue),
		done:      make(chan struct{}),
	}
	go f.pump()
	return f
}

// Forwarder returns a Forwarder publishing on the bus topic.
func (b *Bus) Forwarder() *Forwarder {
	return NewForwarder(b.publisher, b.settings.Topic)
}

func (f *Forwarder) OnStatus(st chat.Status) {
	env := Envelope{
		Type:              EnvelopeStatus,
		ConversationID:    st.ConversationID,
		State:             st.State.String(),
		ReconnectRequired: st.ReconnectRequired,
	}
	if st.Err != nil {
		env.Error = st.Err.Error()
	}
	f.enqueue(env)
}

func (f *Forwarder) OnBuffer(u reconcile.Update) {
	env := Envelope{
		Type:           EnvelopeBuffer,
		ConversationID: u.ConversationID,
		Change:         string(u.Kind),
		Messages:       u.Added,
	}
	if u.Kind == reconcile.ChangeReplace {
		env.Messages = u.Snapshot
	}
	f.enqueue(env)
}

func (f *Forwarder) OnFetchError(convID chat.ID, err error) {
	env := Envelope{Type: EnvelopeFetchError, ConversationID: convID}
	if err != nil {
		env.Error = err.Error()
	}
	f.enqueue(env)
}

// Close publishes what is queued and stops. ctx bounds the wait.
func (f *Forwarder) Close(ctx context.Context) {
	f.once.Do(func() {
		f.mu.Lock()
		f.stop = true
		close(f.queue)
		f.mu.Unlock()
	})
	select {
	case <-f.done:
	case <-ctx.Done():
	}
}

func (f *Forwarder) enqueue(env Envelope) {
	env.At = f.now()
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stop {
		return
	}
	select {
	case f.queue <- env:
	default:
		log.Warn().Str("component", "eventbus").Str("conv_id", env.ConversationID.String()).
			Str("type", string(env.Type)).Msg("event queue full, dropping envelope")
	}
}

func (f *Forwarder) pump() {
	defer close(f.done)
	for env := range f.queue {
		payload, err := json.Marshal(env)
		if err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Msg("encode envelope")
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("type", string(env.Type))
		msg.Metadata.Set("conv_id", env.ConversationID.String())
		if err := f.publisher.Publish(f.topic, msg); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Str("topic", f.topic).Msg("publish failed")
		}
	}
}
