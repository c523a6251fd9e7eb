// Package reconcile merges REST history and live deliveries of one
// conversation into a single ordered, duplicate-free buffer.
//
// Message ids are the only dedup key. Two messages with the same text and
// timestamp are still two messages.
package reconcile

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/metrics"
)

type ChangeKind string

const (
	ChangeReplace ChangeKind = "replace"
	ChangeAppend  ChangeKind = "append"
	ChangePrepend ChangeKind = "prepend"
	// ChangeReset is emitted by owners when the buffer is dropped, e.g. on a
	// conversation switch.
	ChangeReset ChangeKind = "reset"
)

// Update describes one applied mutation. Snapshot is the full buffer after it.
type Update struct {
	ConversationID chat.ID
	Kind           ChangeKind
	Added          []chat.Message
	Snapshot       []chat.Message
}

// Observer is called with the reconciler lock held, so updates arrive in
// mutation order. It must not call back into the Reconciler.
type Observer func(Update)

type source int

const (
	sourceHistory source = iota
	sourceOlder
	sourceLive
)

type entry struct {
	msg chat.Message
	src source
}

// Reconciler owns the MessageBuffer of one conversation. All mutations are
// serialized. After Close every call is a no-op.
type Reconciler struct {
	convID  chat.ID
	metrics *metrics.Collectors

	mu        sync.Mutex
	entries   []entry
	index     map[chat.ID]struct{}
	loaded    bool
	closed    bool
	observers map[int]Observer
	nextObs   int
}

type Option func(*Reconciler)

func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func New(convID chat.ID, opts ...Option) *Reconciler {
	r := &Reconciler{
		convID:    convID,
		index:     map[chat.ID]struct{}{},
		observers: map[int]Observer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) ConversationID() chat.ID { return r.convID }

// Subscribe registers o and returns a func that removes it.
func (r *Reconciler) Subscribe(o Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || o == nil {
		return func() {}
	}
	id := r.nextObs
	r.nextObs++
	r.observers[id] = o
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// ReplaceHistory installs a chronological history page as the base of the
// buffer. Live deliveries that are not part of history stay after it in
// arrival order, and pages loaded with PrependOlder stay in front. It
// returns false when the result is stale.
func (r *Reconciler) ReplaceHistory(convID chat.ID, history []chat.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acceptLocked(convID, "history") {
		return false
	}

	fresh := make(map[chat.ID]struct{}, len(history))
	base := make([]entry, 0, len(history))
	for _, m := range history {
		if m.Validate() != nil {
			continue
		}
		if _, dup := fresh[m.ID]; dup {
			continue
		}
		fresh[m.ID] = struct{}{}
		base = append(base, entry{msg: m, src: sourceHistory})
	}

	var older, live []entry
	for _, e := range r.entries {
		if _, ok := fresh[e.msg.ID]; ok {
			continue
		}
		// entries of the previous history page are superseded
		if e.src == sourceOlder {
			older = append(older, e)
		} else if e.src == sourceLive {
			live = append(live, e)
		}
	}

	entries := make([]entry, 0, len(older)+len(base)+len(live))
	entries = append(entries, older...)
	entries = append(entries, base...)
	entries = append(entries, live...)
	r.setEntriesLocked(entries)
	r.loaded = true

	log.Debug().Str("component", "reconcile").Str("conv_id", r.convID.String()).
		Int("history", len(base)).Int("kept_live", len(live)).Int("kept_older", len(older)).Msg("history applied")
	r.publishLocked(ChangeReplace, messages(base))
	return true
}

// Deliver appends m unless its id is already buffered. It returns true when
// the buffer changed.
func (r *Reconciler) Deliver(convID chat.ID, m chat.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acceptLocked(convID, "delivery") {
		return false
	}
	if err := m.Validate(); err != nil {
		log.Warn().Err(err).Str("component", "reconcile").Str("conv_id", r.convID.String()).Msg("ignoring delivery")
		return false
	}
	if _, ok := r.index[m.ID]; ok {
		r.metrics.Duplicate()
		return false
	}
	r.entries = append(r.entries, entry{msg: m, src: sourceLive})
	r.index[m.ID] = struct{}{}
	r.publishLocked(ChangeAppend, []chat.Message{m})
	return true
}

// PrependOlder puts an older chronological page in front of the buffer.
// Messages already buffered keep their position. It returns the number of
// messages added.
func (r *Reconciler) PrependOlder(convID chat.ID, older []chat.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.acceptLocked(convID, "older") {
		return 0
	}
	added := make([]entry, 0, len(older))
	for _, m := range older {
		if m.Validate() != nil {
			continue
		}
		if _, ok := r.index[m.ID]; ok {
			continue
		}
		r.index[m.ID] = struct{}{}
		added = append(added, entry{msg: m, src: sourceOlder})
	}
	if len(added) == 0 {
		return 0
	}
	r.entries = append(added, r.entries...)
	r.publishLocked(ChangePrepend, messages(added))
	return len(added)
}

// Snapshot returns a copy of the buffer.
func (r *Reconciler) Snapshot() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return messages(r.entries)
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HistoryLoaded reports whether a history page has been applied.
func (r *Reconciler) HistoryLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// OldestID is the paging cursor for the next older page.
func (r *Reconciler) OldestID() chat.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return ""
	}
	return r.entries[0].msg.ID
}

// Close drops the buffer and all observers. Later calls are discarded as
// stale.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.entries = nil
	r.index = map[chat.ID]struct{}{}
	r.observers = map[int]Observer{}
}

func (r *Reconciler) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Reconciler) acceptLocked(convID chat.ID, what string) bool {
	if r.closed || convID != r.convID {
		r.metrics.Stale(what)
		log.Debug().Str("component", "reconcile").Str("conv_id", r.convID.String()).
			Str("result_conv_id", convID.String()).Str("kind", what).Msg("discarding stale result")
		return false
	}
	return true
}

func (r *Reconciler) setEntriesLocked(entries []entry) {
	r.entries = entries
	r.index = make(map[chat.ID]struct{}, len(entries))
	for _, e := range entries {
		r.index[e.msg.ID] = struct{}{}
	}
}

func (r *Reconciler) publishLocked(kind ChangeKind, added []chat.Message) {
	if len(r.observers) == 0 {
		return
	}
	u := Update{
		ConversationID: r.convID,
		Kind:           kind,
		Added:          added,
		Snapshot:       messages(r.entries),
	}
	for i := 0; i < r.nextObs; i++ {
		if o, ok := r.observers[i]; ok {
			o(u)
		}
	}
}

func messages(entries []entry) []chat.Message {
	ret := make([]chat.Message, len(entries))
	for i, e := range entries {
		ret[i] = e.msg
	}
	return ret
}
