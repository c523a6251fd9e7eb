// Package history fetches persisted message pages for a conversation over
// REST and hands them out oldest-first.
package history

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/restapi"
)

const DefaultLimit = 50

// Page selects a window of history. A zero BeforeID means the newest page.
type Page struct {
	Limit    int
	BeforeID chat.ID
}

// Lister is the subset of the REST client the fetcher needs.
type Lister interface {
	ListMessages(ctx context.Context, convID chat.ID, token string, limit int, beforeID chat.ID) ([]chat.Message, error)
}

var _ Lister = (*restapi.Client)(nil)

type Fetcher struct {
	api     Lister
	limit   int
	metrics *metrics.Collectors
}

type Option func(*Fetcher)

func WithLimit(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.limit = n
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func NewFetcher(api Lister, opts ...Option) *Fetcher {
	f := &Fetcher{api: api, limit: DefaultLimit}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the most recent page of conversation convID, oldest first.
func (f *Fetcher) Fetch(ctx context.Context, convID chat.ID, credential string) ([]chat.Message, error) {
	return f.FetchPage(ctx, convID, credential, Page{})
}

// FetchPage returns one page, oldest first. Entries without an id or tagged
// with another conversation are dropped.
func (f *Fetcher) FetchPage(ctx context.Context, convID chat.ID, credential string, page Page) ([]chat.Message, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, chat.ErrNoCredential
	}
	limit := page.Limit
	if limit <= 0 {
		limit = f.limit
	}

	start := time.Now()
	newestFirst, err := f.api.ListMessages(ctx, convID, credential, limit, page.BeforeID)
	if err != nil {
		f.metrics.ObserveFetch("error", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	f.metrics.ObserveFetch("ok", time.Since(start))

	ret := make([]chat.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		if err := m.Validate(); err != nil {
			log.Warn().Err(err).Str("component", "history").Str("conv_id", convID.String()).Msg("dropping history entry")
			continue
		}
		if !m.ConversationID.IsZero() && m.ConversationID != convID {
			log.Warn().Str("component", "history").Str("conv_id", convID.String()).
				Str("msg_conv_id", m.ConversationID.String()).Msg("dropping history entry for another conversation")
			continue
		}
		ret = append(ret, m)
	}
	log.Debug().Str("component", "history").Str("conv_id", convID.String()).
		Int("count", len(ret)).Str("before_id", page.BeforeID.String()).Msg("history page fetched")
	return ret, nil
}
