package chat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ID is an opaque server-assigned identifier. The server emits some ids as JSON
// numbers (chat and user ids) and others as strings (message ids); both decode
// into the same textual form.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(err, "decode id")
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "decode id")
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return errors.Errorf("decode id: %q is not an integer", n.String())
	}
	*id = ID(n.String())
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// Sender is the author block the server embeds in every message.
type Sender struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// Message is a single chat message. ID is assigned by the server and is the
// dedup key; the client never invents one.
type Message struct {
	ID             ID        `json:"id"`
	ConversationID ID        `json:"chat_id,omitempty"`
	SenderID       ID        `json:"sender_id,omitempty"`
	Sender         *Sender   `json:"sender,omitempty"`
	Text           string    `json:"text"`
	Attachments    []string  `json:"attachments,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`
}

// AuthorID returns the sender id, preferring the embedded sender block.
func (m Message) AuthorID() ID {
	if m.Sender != nil && !m.Sender.ID.IsZero() {
		return m.Sender.ID
	}
	return m.SenderID
}

// AuthorName returns a printable author label.
func (m Message) AuthorName() string {
	if m.Sender != nil && m.Sender.Username != "" {
		return m.Sender.Username
	}
	if !m.SenderID.IsZero() {
		return "user " + m.SenderID.String()
	}
	return "unknown"
}

// Validate checks the fields a delivered message must carry.
func (m Message) Validate() error {
	if m.ID.IsZero() {
		return errors.Wrap(ErrMalformedFrame, "message without id")
	}
	return nil
}

// Conversation is a chat scope. The client only reads it.
type Conversation struct {
	ID              ID        `json:"id"`
	IsGroup         bool      `json:"is_group"`
	Name            string    `json:"name,omitempty"`
	DisplayName     string    `json:"display_name,omitempty"`
	Avatar          string    `json:"avatar,omitempty"`
	Participants    []Sender  `json:"participants,omitempty"`
	PartnerID       ID        `json:"partner_id,omitempty"`
	LastMessageText string    `json:"last_message_text,omitempty"`
	LastMessageAt   time.Time `json:"last_message_date,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// Title returns the best label for the conversation.
func (c Conversation) Title() string {
	switch {
	case c.DisplayName != "":
		return c.DisplayName
	case c.Name != "":
		return c.Name
	default:
		return "chat " + c.ID.String()
	}
}

// ParticipantIDs returns the ids of all participants.
func (c Conversation) ParticipantIDs() []ID {
	ret := make([]ID, 0, len(c.Participants))
	for _, p := range c.Participants {
		ret = append(ret, p.ID)
	}
	return ret
}
