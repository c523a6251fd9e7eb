package reconcile

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/metrics"
)

func msg(id string) chat.Message {
	return chat.Message{ID: chat.ID(id), ConversationID: "42", Text: "m" + id}
}

func ids(msgs []chat.Message) []chat.ID {
	ret := make([]chat.ID, 0, len(msgs))
	for _, m := range msgs {
		ret = append(ret, m.ID)
	}
	return ret
}

func TestEmptyHistoryThenRedelivery(t *testing.T) {
	r := New("42")
	require.True(t, r.ReplaceHistory("42", nil))

	require.True(t, r.Deliver("42", chat.Message{ID: "1", Text: "hi"}))
	require.Equal(t, []chat.ID{"1"}, ids(r.Snapshot()))

	require.False(t, r.Deliver("42", chat.Message{ID: "1", Text: "hi"}))
	require.Equal(t, 1, r.Len())
}

func TestHistoryMergesUnderEarlyDelivery(t *testing.T) {
	r := New("42")
	require.True(t, r.Deliver("42", msg("3")))
	require.True(t, r.ReplaceHistory("42", []chat.Message{msg("1"), msg("2")}))
	require.Equal(t, []chat.ID{"1", "2", "3"}, ids(r.Snapshot()))
}

func TestHistoryAfterDeliveryOfSameID(t *testing.T) {
	r := New("42")
	require.True(t, r.Deliver("42", msg("2")))
	require.True(t, r.Deliver("42", msg("3")))
	require.True(t, r.ReplaceHistory("42", []chat.Message{msg("1"), msg("2")}))
	require.Equal(t, []chat.ID{"1", "2", "3"}, ids(r.Snapshot()))
}

func TestDedupIsByIDNotContent(t *testing.T) {
	r := New("42")
	a := chat.Message{ID: "1", Text: "same"}
	b := chat.Message{ID: "2", Text: "same", CreatedAt: a.CreatedAt}
	require.True(t, r.Deliver("42", a))
	require.True(t, r.Deliver("42", b))
	require.Equal(t, 2, r.Len())
}

func TestRefetchReplacesPreviousPage(t *testing.T) {
	r := New("42")
	require.True(t, r.ReplaceHistory("42", []chat.Message{msg("1"), msg("2"), msg("3")}))
	require.True(t, r.Deliver("42", msg("4")))
	// after a reconnect the newest page has moved on
	require.True(t, r.ReplaceHistory("42", []chat.Message{msg("2"), msg("3"), msg("4"), msg("5")}))
	require.Equal(t, []chat.ID{"2", "3", "4", "5"}, ids(r.Snapshot()))
}

func TestPrependOlder(t *testing.T) {
	r := New("42")
	require.True(t, r.ReplaceHistory("42", []chat.Message{msg("3"), msg("4")}))
	require.Equal(t, chat.ID("3"), r.OldestID())

	require.Equal(t, 2, r.PrependOlder("42", []chat.Message{msg("1"), msg("2"), msg("3")}))
	require.Equal(t, []chat.ID{"1", "2", "3", "4"}, ids(r.Snapshot()))
	require.Zero(t, r.PrependOlder("42", []chat.Message{msg("1")}))

	// older pages survive a history refresh
	require.True(t, r.ReplaceHistory("42", []chat.Message{msg("3"), msg("4"), msg("5")}))
	require.Equal(t, []chat.ID{"1", "2", "3", "4", "5"}, ids(r.Snapshot()))
}

func TestStaleResultsAreDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	r := New("42", WithMetrics(m))

	require.False(t, r.Deliver("7", msg("1")))
	require.False(t, r.ReplaceHistory("7", []chat.Message{msg("1")}))
	require.Zero(t, r.Len())

	require.True(t, r.Deliver("42", msg("1")))
	r.Close()
	r.Close()
	require.False(t, r.Deliver("42", msg("2")))
	require.False(t, r.ReplaceHistory("42", []chat.Message{msg("1")}))
	require.Zero(t, r.PrependOlder("42", []chat.Message{msg("0")}))
	require.Empty(t, r.Snapshot())

	require.Equal(t, 2.0, testutil.ToFloat64(m.StaleDiscarded.WithLabelValues("delivery")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StaleDiscarded.WithLabelValues("history")))
}

func TestObserversSeeOrderedUpdates(t *testing.T) {
	r := New("42")
	var got []Update
	unsubscribe := r.Subscribe(func(u Update) { got = append(got, u) })

	r.Deliver("42", msg("3"))
	r.ReplaceHistory("42", []chat.Message{msg("1"), msg("2")})
	r.Deliver("42", msg("3"))
	unsubscribe()
	r.Deliver("42", msg("4"))

	require.Len(t, got, 2)
	require.Equal(t, ChangeAppend, got[0].Kind)
	require.Equal(t, []chat.ID{"3"}, ids(got[0].Added))
	require.Equal(t, ChangeReplace, got[1].Kind)
	require.Equal(t, []chat.ID{"1", "2", "3"}, ids(got[1].Snapshot))
}

// Any interleaving of history pages and deliveries leaves every id exactly
// once, and deliveries keep their relative order. Each page covers at least
// what the previous one did, as with one fetch in flight at a time.
func TestRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		r := New("42")
		total := 1 + rng.Intn(30)
		var stream []chat.Message
		for i := 1; i <= total; i++ {
			stream = append(stream, msg(fmt.Sprint(i)))
		}
		delivered, fetched := 0, 0
		for delivered < total {
			switch rng.Intn(3) {
			case 0:
				fetched += rng.Intn(delivered - fetched + 1)
				r.ReplaceHistory("42", stream[:fetched])
			default:
				r.Deliver("42", stream[delivered])
				if rng.Intn(4) == 0 {
					r.Deliver("42", stream[rng.Intn(delivered+1)])
				}
				delivered++
			}
		}

		snap := r.Snapshot()
		seen := map[chat.ID]int{}
		for i, m := range snap {
			_, dup := seen[m.ID]
			require.False(t, dup, "round %d: duplicate id %s", round, m.ID)
			seen[m.ID] = i
		}
		require.Len(t, snap, total, "round %d", round)
		for i := 1; i < total; i++ {
			a, b := seen[chat.ID(fmt.Sprint(i))], seen[chat.ID(fmt.Sprint(i+1))]
			require.Less(t, a, b, "round %d: %d after %d", round, i, i+1)
		}
	}
}

func TestConcurrentDeliveriesAreSerialized(t *testing.T) {
	r := New("42")
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Deliver("42", msg(fmt.Sprint(i)))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 100, r.Len())
}
