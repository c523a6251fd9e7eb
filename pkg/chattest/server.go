// Package chattest provides an in-process chat backend for tests: the history
// endpoint, the conversation list and the per-conversation websocket channel.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

// Received is an outbound frame the server read from a client.
type Received struct {
	ConversationID chat.ID
	Text           string
}

type Server struct {
	*httptest.Server

	token    string
	upgrader websocket.Upgrader

	mu            sync.Mutex
	nextID        int
	history       map[chat.ID][]chat.Message
	conversations []chat.Conversation
	conns         map[chat.ID]map[*websocket.Conn]struct{}
	received      []Received
	historyGate   map[chat.ID]chan struct{}
	echoSends     bool

	dials        atomic.Int32
	historyCalls atomic.Int32
	rejectDials  atomic.Bool
	failHistory  atomic.Int32
}

// NewServer starts a server that accepts token as the only valid credential.
// Sent frames are echoed back to every client of the conversation, the way
// the real consumer broadcasts them.
func NewServer(token string) *Server {
	s := &Server{
		token:       token,
		nextID:      1000,
		history:     map[chat.ID][]chat.Message{},
		conns:       map[chat.ID]map[*websocket.Conn]struct{}{},
		historyGate: map[chat.ID]chan struct{}{},
		echoSends:   true,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /messenger_api/chats/{$}", s.handleConversations)
	mux.HandleFunc("GET /messenger_api/chats/{id}/messages/{$}", s.handleHistory)
	mux.HandleFunc("/ws/chat/{id}/{$}", s.handleStream)
	s.Server = httptest.NewServer(mux)
	return s
}

// BaseURL is the REST base with a trailing slash.
func (s *Server) BaseURL() string { return s.URL + "/" }

// StreamURL is the websocket base for conversation channels.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/chat/"
}

func (s *Server) SetEchoSends(v bool) {
	s.mu.Lock()
	s.echoSends = v
	s.mu.Unlock()
}

// SetHistory replaces the persisted history of a conversation. msgs are
// given oldest first.
func (s *Server) SetHistory(convID chat.ID, msgs ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ConversationID.IsZero() {
			m.ConversationID = convID
		}
		cp = append(cp, m)
	}
	s.history[convID] = cp
}

func (s *Server) SetConversations(convs ...chat.Conversation) {
	s.mu.Lock()
	s.conversations = append([]chat.Conversation(nil), convs...)
	s.mu.Unlock()
}

// HoldHistory blocks history requests for convID until the returned release
// func is called.
func (s *Server) HoldHistory(convID chat.ID) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.historyGate[convID] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.historyGate, convID)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// FailHistory makes history requests answer with status while it is non-zero.
func (s *Server) FailHistory(status int) { s.failHistory.Store(int32(status)) }

// RejectDials makes websocket handshakes fail with 503 while set.
func (s *Server) RejectDials(v bool) { s.rejectDials.Store(v) }

func (s *Server) Dials() int { return int(s.dials.Load()) }

func (s *Server) HistoryCalls() int { return int(s.historyCalls.Load()) }

func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Clients returns the number of open channels for convID.
func (s *Server) Clients(convID chat.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[convID])
}

// Post stores a new message from senderID and pushes it to connected clients.
func (s *Server) Post(convID chat.ID, senderID chat.ID, text string) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMessageLocked(convID, senderID, text)
	s.broadcastLocked(convID, m)
	return m
}

// Deliver pushes m as is, without storing it.
func (s *Server) Deliver(convID chat.ID, m chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(convID, m)
}

// DeliverRaw pushes an arbitrary text frame.
func (s *Server) DeliverRaw(convID chat.ID, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns[convID] {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// DropClients closes every channel of convID without a close handshake.
func (s *Server) DropClients(convID chat.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns[convID] {
		_ = conn.Close()
		delete(s.conns[convID], conn)
	}
}

func (s *Server) newMessageLocked(convID, senderID chat.ID, text string) chat.Message {
	s.nextID++
	m := chat.Message{
		ID:             chat.ID(strconv.Itoa(s.nextID)),
		ConversationID: convID,
		SenderID:       senderID,
		Sender:         &chat.Sender{ID: senderID, Username: "user" + senderID.String()},
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	s.history[convID] = append(s.history[convID], m)
	return m
}

func (s *Server) broadcastLocked(convID chat.ID, m chat.Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	for conn := range s.conns[convID] {
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			delete(s.conns[convID], conn)
			_ = conn.Close()
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	convs := append([]chat.Conversation(nil), s.conversations...)
	s.mu.Unlock()
	writeJSON(w, convs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.historyCalls.Add(1)
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if status := s.failHistory.Load(); status != 0 {
		http.Error(w, "history unavailable", int(status))
		return
	}
	convID := chat.ID(r.PathValue("id"))

	s.mu.Lock()
	gate := s.historyGate[convID]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	beforeID := r.URL.Query().Get("before_id")

	s.mu.Lock()
	msgs := append([]chat.Message(nil), s.history[convID]...)
	s.mu.Unlock()

	if beforeID != "" {
		cut := sort.Search(len(msgs), func(i int) bool { return idLess(beforeID, msgs[i].ID.String()) || msgs[i].ID.String() == beforeID })
		msgs = msgs[:cut]
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	newestFirst := make([]chat.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, msgs[i])
	}
	writeJSON(w, newestFirst)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.rejectDials.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("token") != s.token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	convID := chat.ID(r.PathValue("id"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.conns[convID] == nil {
		s.conns[convID] = map[*websocket.Conn]struct{}{}
	}
	s.conns[convID][conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns[convID], conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Str("component", "chattest").Msg("bad outbound frame")
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, Received{ConversationID: convID, Text: frame.Text})
		if s.echoSends {
			m := s.newMessageLocked(convID, "1", frame.Text)
			s.broadcastLocked(convID, m)
		}
		s.mu.Unlock()
	}
}

// Close drops every channel and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for convID, conns := range s.conns {
		for conn := range conns {
			_ = conn.Close()
		}
		delete(s.conns, convID)
	}
	s.mu.Unlock()
	s.Server.Close()
}

// idLess orders numeric ids numerically and everything else lexically.
func idLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
