// Package terminal prints a conversation as plain lines: a status line when
// the connection changes and one line per message. Messages are printed
// once. A history replace prints only what was not shown yet, unless new
// entries land above printed ones; then the whole buffer is printed again
// under a marker.
package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/reconcile"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).Bold(true)
	otherStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("180")).Bold(true)
)

type Renderer struct {
	w     io.Writer
	self  chat.ID
	plain bool

	mu        sync.Mutex
	convID    chat.ID
	printed   map[chat.ID]struct{}
	lastState chat.ConnectionState
	lastRR    bool
}

type Option func(*Renderer)

// WithSelf marks messages of the given user as own messages.
func WithSelf(id chat.ID) Option {
	return func(r *Renderer) { r.self = id }
}

// WithPlain disables styling.
func WithPlain(plain bool) Option {
	return func(r *Renderer) { r.plain = plain }
}

func New(w io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		w:         w,
		printed:   map[chat.ID]struct{}{},
		lastState: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) OnStatus(st chat.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.State == r.lastState && st.ReconnectRequired == r.lastRR {
		return
	}
	r.lastState, r.lastRR = st.State, st.ReconnectRequired
	r.println(r.FormatStatus(st))
}

func (r *Renderer) OnBuffer(u reconcile.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case reconcile.ChangeReset:
		r.convID = u.ConversationID
		r.printed = map[chat.ID]struct{}{}
		r.lastState = -1
		if !u.ConversationID.IsZero() {
			r.println(r.style(headerStyle, fmt.Sprintf("── conversation %s ──", u.ConversationID)))
		}
	case reconcile.ChangePrepend:
		fresh := r.unprinted(u.Added)
		if len(fresh) > 0 {
			r.println(r.style(statusStyle, fmt.Sprintf("── %d older messages ──", len(fresh))))
			r.printMessages(fresh)
		}
	case reconcile.ChangeReplace:
		if r.landsBeforePrinted(u.Snapshot) {
			r.println(r.style(statusStyle, "── history updated ──"))
			r.printMessages(u.Snapshot)
			return
		}
		r.printMessages(r.unprinted(u.Snapshot))
	case reconcile.ChangeAppend:
		r.printMessages(r.unprinted(u.Added))
	}
}

func (r *Renderer) OnFetchError(convID chat.ID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.println(r.style(errorStyle, fmt.Sprintf("could not load history of %s: %v", convID, err)))
}

// Notice prints a free-form informational line.
func (r *Renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.println(r.style(statusStyle, fmt.Sprintf(format, args...)))
}

func (r *Renderer) FormatStatus(st chat.Status) string {
	label := fmt.Sprintf("[%s] %s", st.ConversationID, st.State)
	if st.ConversationID.IsZero() {
		label = "[idle] " + st.State.String()
	}
	switch {
	case st.ReconnectRequired:
		label += fmt.Sprintf(": %v (type /reconnect)", st.Err)
		return r.style(errorStyle, label)
	case st.State == chat.StateNoCredential:
		label += " (run `chatsync login`)"
		return r.style(errorStyle, label)
	case st.Err != nil:
		label += fmt.Sprintf(": %v", st.Err)
	}
	return r.style(statusStyle, label)
}

func (r *Renderer) FormatMessage(m chat.Message) string {
	var sb strings.Builder
	if !m.CreatedAt.IsZero() {
		sb.WriteString(r.style(timeStyle, m.CreatedAt.Local().Format("15:04")))
		sb.WriteString(" ")
	}
	name := m.AuthorName()
	if !r.self.IsZero() && m.AuthorID() == r.self {
		sb.WriteString(r.style(selfStyle, name))
	} else {
		sb.WriteString(r.style(otherStyle, name))
	}
	sb.WriteString(": ")
	sb.WriteString(m.Text)
	for _, a := range m.Attachments {
		sb.WriteString(" [")
		sb.WriteString(a)
		sb.WriteString("]")
	}
	return sb.String()
}

func (r *Renderer) unprinted(msgs []chat.Message) []chat.Message {
	ret := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := r.printed[m.ID]; ok {
			continue
		}
		ret = append(ret, m)
	}
	return ret
}

// landsBeforePrinted reports whether snapshot has a message not shown yet
// that sorts before one already on screen.
func (r *Renderer) landsBeforePrinted(snapshot []chat.Message) bool {
	fresh := false
	for _, m := range snapshot {
		if _, ok := r.printed[m.ID]; !ok {
			fresh = true
		} else if fresh {
			return true
		}
	}
	return false
}

func (r *Renderer) printMessages(msgs []chat.Message) {
	for _, m := range msgs {
		r.printed[m.ID] = struct{}{}
		r.println(r.FormatMessage(m))
	}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) println(line string) {
	if r.plain {
		_, _ = fmt.Fprintln(r.w, line)
		return
	}
	_, _ = lipgloss.Fprintln(r.w, line)
}
