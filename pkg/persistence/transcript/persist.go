package transcript

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/eventbus"
)

// PersistFunc stores the messages carried by buffer envelopes. Persistence is
// best-effort: decode and storage errors are logged and the message is acked.
func PersistFunc(store Store) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := eventbus.DecodeEnvelope(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "transcript").Msg("failed to decode envelope")
			return nil
		}
		if env.Type != eventbus.EnvelopeBuffer || len(env.Messages) == 0 || env.ConversationID.IsZero() {
			return nil
		}

		ctx := msg.Context()
		cancel := func() {}
		if ctx == nil || ctx.Err() != nil {
			// the router cancels message contexts on shutdown
			ctx, cancel = context.WithTimeout(context.Background(), 250*time.Millisecond)
		}
		defer cancel()

		if err := store.Upsert(ctx, env.ConversationID, env.Messages); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn().Err(err).
				Str("component", "transcript").
				Str("conv_id", env.ConversationID.String()).
				Int("count", len(env.Messages)).
				Msg("transcript upsert failed")
		}
		return nil
	}
}
