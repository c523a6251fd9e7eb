package restapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/credentials"
)

// MessagesPath is the conversation-scoped history endpoint.
func MessagesPath(convID chat.ID) string {
	return "messenger_api/chats/" + url.PathEscape(convID.String()) + "/messages/"
}

// ListMessages returns one page of history exactly as the server sends it
// (newest first).
func (c *Client) ListMessages(ctx context.Context, convID chat.ID, token string, limit int, beforeID chat.ID) ([]chat.Message, error) {
	if convID.IsZero() {
		return nil, errors.New("restapi: empty conversation id")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !beforeID.IsZero() {
		q.Set("before_id", beforeID.String())
	}
	var out []chat.Message
	err := c.Do(ctx, Request{Method: http.MethodGet, Path: MessagesPath(convID), Query: q, Token: token}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListConversations returns the conversations the current user takes part in.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "messenger_api/chats/"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Login exchanges a username and password for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (credentials.Tokens, error) {
	var out tokenResponse
	err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "users_api/login/",
		Body:      loginRequest{Username: username, Password: password},
		Anonymous: true,
	}, &out)
	if err != nil {
		return credentials.Tokens{}, err
	}
	if out.Access == "" {
		return credentials.Tokens{}, errors.New("login: response without access token")
	}
	return credentials.Tokens{Access: out.Access, Refresh: out.Refresh}, nil
}

// RefreshTokens is a credentials.RefreshFunc.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (credentials.Tokens, error) {
	var out tokenResponse
	err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "users_api/token/refresh/",
		Body:      map[string]string{"refresh": refreshToken},
		Anonymous: true,
	}, &out)
	if err != nil {
		return credentials.Tokens{}, err
	}
	return credentials.Tokens{Access: out.Access, Refresh: out.Refresh}, nil
}
