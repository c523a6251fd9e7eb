package cmds

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/chattest"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/credentials"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestApp(t *testing.T, srv *chattest.Server) *App {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = srv.BaseURL()
	cfg.StreamURL = srv.StreamURL()
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.CredentialsFile = filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, credentials.NewFileStore(cfg.CredentialsFile).Save(context.Background(), credentials.Tokens{Access: "tok"}))
	return &App{Config: cfg}
}

func TestRunChat_SendsLinesAndQuits(t *testing.T) {
	srv := chattest.NewServer("tok")
	defer srv.Close()
	srv.SetEchoSends(true)
	srv.SetHistory("42", chat.Message{ID: "1", ConversationID: "42", SenderID: "7", Text: "earlier"})

	app := newTestApp(t, srv)
	in, inW := io.Pipe()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runChat(context.Background(), app, &chatFlags{plain: true}, "42", in, out)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[42] connected") && strings.Contains(out.String(), "earlier")
	}, 5*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(inW, "hello there\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r := srv.Received()
		return len(r) == 1 && r[0].Text == "hello there" && r[0].ConversationID == "42"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "hello there")
	}, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not stop on /quit")
	}
	_ = inW.Close()
}

func TestRunChat_SurvivesFailedFirstDial(t *testing.T) {
	srv := chattest.NewServer("tok")
	defer srv.Close()
	srv.RejectDials(true)

	app := newTestApp(t, srv)
	app.Config.RetryDelay = 200 * time.Millisecond
	in, inW := io.Pipe()
	defer func() { _ = inW.Close() }()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runChat(context.Background(), app, &chatFlags{plain: true}, "42", in, out)
	}()

	require.Eventually(t, func() bool {
		return srv.Dials() == 1 && strings.Contains(out.String(), "[42] error")
	}, 5*time.Second, 5*time.Millisecond)
	srv.RejectDials(false)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[42] connected")
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("chat ended early: %v", err)
	default:
	}

	_, err := io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not stop on /quit")
	}
	require.Equal(t, 2, srv.Dials())
}

func TestRunChat_NoCredentialEnds(t *testing.T) {
	srv := chattest.NewServer("tok")
	defer srv.Close()
	app := newTestApp(t, srv)
	app.Config.CredentialsFile = filepath.Join(t.TempDir(), "missing.yaml")

	err := runChat(context.Background(), app, &chatFlags{plain: true}, "42", strings.NewReader(""), &syncBuffer{})
	require.ErrorIs(t, err, chat.ErrNoCredential)
	require.Zero(t, srv.Dials())
}

func TestRunChat_EndOfInputStops(t *testing.T) {
	srv := chattest.NewServer("tok")
	defer srv.Close()

	app := newTestApp(t, srv)
	out := &syncBuffer{}
	err := runChat(context.Background(), app, &chatFlags{plain: true}, "42", strings.NewReader(""), out)
	require.NoError(t, err)
}

func TestRunChat_PersistsTranscript(t *testing.T) {
	srv := chattest.NewServer("tok")
	defer srv.Close()
	srv.SetHistory("42", chat.Message{ID: "1", ConversationID: "42", SenderID: "7", Text: "kept"})

	app := newTestApp(t, srv)
	dbPath := filepath.Join(t.TempDir(), "transcript.db")
	in, inW := io.Pipe()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runChat(context.Background(), app, &chatFlags{plain: true, transcriptDB: dbPath}, "42", in, out)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "kept")
	}, 5*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.FileExists(t, dbPath)
}
