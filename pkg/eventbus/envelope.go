package eventbus

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type EnvelopeType string

const (
	EnvelopeStatus     EnvelopeType = "status"
	EnvelopeBuffer     EnvelopeType = "buffer"
	EnvelopeFetchError EnvelopeType = "fetch_error"
)

// Envelope is the JSON payload of every bus message.
type Envelope struct {
	Type              EnvelopeType   `json:"type"`
	ConversationID    chat.ID        `json:"conv_id"`
	State             string         `json:"state,omitempty"`
	ReconnectRequired bool           `json:"reconnect_required,omitempty"`
	Error             string         `json:"error,omitempty"`
	Change            string         `json:"change,omitempty"`
	Messages          []chat.Message `json:"messages,omitempty"`
	At                time.Time      `json:"at"`
}

func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// TraceFunc logs every envelope on the bus at trace level.
func TraceFunc(l zerolog.Logger) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := DecodeEnvelope(msg.Payload)
		if err != nil {
			l.Warn().Err(err).Str("msg_id", msg.UUID).Msg("undecodable envelope")
			return nil
		}
		l.Trace().
			Str("msg_id", msg.UUID).
			Str("type", string(env.Type)).
			Str("conv_id", env.ConversationID.String()).
			Str("state", env.State).
			Str("change", env.Change).
			Int("messages", len(env.Messages)).
			Msg("event")
		return nil
	}
}
