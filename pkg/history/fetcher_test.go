package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/restapi"
)

func ids(msgs []chat.Message) []chat.ID {
	ret := make([]chat.ID, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, m.ID)
	}
	return ret
}

type stubLister struct {
	calls    int
	limit    int
	beforeID chat.ID
	token    string
	msgs     []chat.Message
	err      error
}

func (s *stubLister) ListMessages(_ context.Context, _ chat.ID, token string, limit int, beforeID chat.ID) ([]chat.Message, error) {
	s.calls++
	s.token = token
	s.limit = limit
	s.beforeID = beforeID
	return s.msgs, s.err
}

func TestFetch_ReversesToChronological(t *testing.T) {
	api := &stubLister{msgs: []chat.Message{
		{ID: "3", ConversationID: "42"},
		{ID: "2", ConversationID: "42"},
		{ID: "1", ConversationID: "42"},
	}}
	f := NewFetcher(api)

	got, err := f.Fetch(context.Background(), "42", "tok")
	require.NoError(t, err)
	require.Equal(t, []chat.ID{"1", "2", "3"}, ids(got))
	require.Equal(t, DefaultLimit, api.limit)
	require.Equal(t, "tok", api.token)
	require.True(t, api.beforeID.IsZero())
}

func TestFetch_IsRepeatable(t *testing.T) {
	api := &stubLister{msgs: []chat.Message{{ID: "2"}, {ID: "1"}}}
	f := NewFetcher(api)

	first, err := f.Fetch(context.Background(), "42", "tok")
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), "42", "tok")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, []chat.ID{"2", "1"}, ids(api.msgs), "input slice must not be reordered")
}

func TestFetch_DropsForeignAndAnonymousEntries(t *testing.T) {
	api := &stubLister{msgs: []chat.Message{
		{ID: "5", ConversationID: "42"},
		{ID: "4", ConversationID: "7"},
		{ID: "", ConversationID: "42"},
		{ID: "1"},
	}}
	got, err := NewFetcher(api).Fetch(context.Background(), "42", "tok")
	require.NoError(t, err)
	require.Equal(t, []chat.ID{"1", "5"}, ids(got))
}

func TestFetch_NoCredential(t *testing.T) {
	api := &stubLister{}
	_, err := NewFetcher(api).Fetch(context.Background(), "42", " ")
	require.True(t, errors.Is(err, chat.ErrNoCredential))
	require.Zero(t, api.calls)
}

func TestFetchPage_PassesCursor(t *testing.T) {
	api := &stubLister{}
	f := NewFetcher(api, WithLimit(20))

	_, err := f.FetchPage(context.Background(), "42", "tok", Page{BeforeID: "100"})
	require.NoError(t, err)
	require.Equal(t, 20, api.limit)
	require.Equal(t, chat.ID("100"), api.beforeID)

	_, err = f.FetchPage(context.Background(), "42", "tok", Page{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, 5, api.limit)
}

func TestFetch_AgainstServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messenger_api/chats/42/messages/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"id":11,"chat_id":42,"text":"late"},{"id":10,"chat_id":42,"text":"early"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api, err := restapi.New(srv.URL, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	f := NewFetcher(api, WithMetrics(m))

	got, err := f.Fetch(context.Background(), "42", "tok")
	require.NoError(t, err)
	require.Equal(t, []chat.ID{"10", "11"}, ids(got))
	require.Equal(t, "early", got[0].Text)

	_, err = f.Fetch(context.Background(), "42", "wrong")
	require.True(t, errors.Is(err, chat.ErrFetchFailure))

	require.Equal(t, 2, testutil.CollectAndCount(m.HistoryFetch))
}
