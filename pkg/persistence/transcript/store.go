// Package transcript keeps a local copy of reconciled messages. It only
// observes: nothing read from here is fed back into a live buffer.
package transcript

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Store is upsert-by-id storage of messages per conversation.
type Store interface {
	Upsert(ctx context.Context, convID chat.ID, msgs []chat.Message) error
	// List returns up to limit of the newest messages, oldest first.
	List(ctx context.Context, convID chat.ID, limit int) ([]chat.Message, error)
	Close() error
}

const defaultListLimit = 200

type memoryRecord struct {
	msg chat.Message
	seq uint64
}

type InMemoryStore struct {
	mu    sync.Mutex
	seq   uint64
	convs map[chat.ID]map[chat.ID]*memoryRecord
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: map[chat.ID]map[chat.ID]*memoryRecord{}}
}

func (s *InMemoryStore) Upsert(_ context.Context, convID chat.ID, msgs []chat.Message) error {
	if convID.IsZero() {
		return errors.New("memory transcript store: convID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[convID]
	if conv == nil {
		conv = map[chat.ID]*memoryRecord{}
		s.convs[convID] = conv
	}
	for _, m := range msgs {
		if m.ID.IsZero() {
			continue
		}
		if rec, ok := conv[m.ID]; ok {
			rec.msg = m
			continue
		}
		s.seq++
		conv[m.ID] = &memoryRecord{msg: m, seq: s.seq}
	}
	return nil
}

func (s *InMemoryStore) List(_ context.Context, convID chat.ID, limit int) ([]chat.Message, error) {
	if convID.IsZero() {
		return nil, errors.New("memory transcript store: convID is empty")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	records := make([]*memoryRecord, 0, len(s.convs[convID]))
	for _, rec := range s.convs[convID] {
		records = append(records, rec)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	ret := make([]chat.Message, 0, len(records))
	for _, rec := range records {
		ret = append(ret, rec.msg)
	}
	return ret, nil
}

func (s *InMemoryStore) Close() error { return nil }
