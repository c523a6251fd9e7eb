package credentials

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": 7,
		"exp":     exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStatic(t *testing.T) {
	_, err := Static("").AccessToken(context.Background())
	require.True(t, errors.Is(err, chat.ErrNoCredential))

	tok, err := Static("abc").AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)
}

func TestExpiresAt(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := ExpiresAt(signedToken(t, exp))
	require.True(t, ok)
	require.True(t, exp.Equal(got))

	_, ok = ExpiresAt("not-a-jwt")
	require.False(t, ok)
}

func TestRefreshingProvider_NoCredential(t *testing.T) {
	p := NewRefreshingProvider(NewMemoryStore(Tokens{}), nil)
	_, err := p.AccessToken(context.Background())
	require.True(t, errors.Is(err, chat.ErrNoCredential))
}

func TestRefreshingProvider_RefreshesExpiredToken(t *testing.T) {
	expired := signedToken(t, time.Now().Add(-time.Minute))
	fresh := signedToken(t, time.Now().Add(time.Hour))
	store := NewMemoryStore(Tokens{Access: expired, Refresh: "r1"})

	var seen string
	p := NewRefreshingProvider(store, func(_ context.Context, refresh string) (Tokens, error) {
		seen = refresh
		return Tokens{Access: fresh}, nil
	})

	tok, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, tok)
	require.Equal(t, "r1", seen)

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, saved.Access)
	require.Equal(t, "r1", saved.Refresh, "refresh token is kept when the server does not rotate it")
}

func TestRefreshingProvider_ValidTokenIsNotRefreshed(t *testing.T) {
	valid := signedToken(t, time.Now().Add(time.Hour))
	store := NewMemoryStore(Tokens{Access: valid, Refresh: "r1"})
	p := NewRefreshingProvider(store, func(context.Context, string) (Tokens, error) {
		t.Fatal("unexpected refresh")
		return Tokens{}, nil
	})

	tok, err := p.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, valid, tok)
	require.Equal(t, 0, store.Saves())
}

func TestRefreshingProvider_RefreshWithoutRefreshToken(t *testing.T) {
	p := NewRefreshingProvider(NewMemoryStore(Tokens{Access: "opaque"}), nil)
	_, err := p.Refresh(context.Background())
	require.True(t, errors.Is(err, chat.ErrNoCredential))
}

func TestFileStore_RoundTrip(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.yaml"))
	ctx := context.Background()

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, empty.Access)

	require.NoError(t, s.Save(ctx, Tokens{Access: "a", Refresh: "r"}))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, Tokens{Access: "a", Refresh: "r"}, got)
}
