// Package restapi is the bearer-authenticated REST client for the echo
// backend: history pages, the conversation list, engagement toggles and the
// token endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/credentials"
)

const maxErrorBody = 512

type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  credentials.TokenProvider
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func New(baseURL string, tokens credentials.TokenProvider, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("restapi: empty base url")
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "restapi: invalid base url")
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request describes one call. Token overrides the provider for this call;
// Anonymous sends no Authorization header at all.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Token     string
	Anonymous bool
}

// Do performs req and decodes a JSON answer into out (when out is not nil).
// A 401 triggers one token refresh and retry when the provider supports it.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	token := req.Token
	if !req.Anonymous && token == "" {
		if c.tokens == nil {
			return chat.ErrNoCredential
		}
		t, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		token = t
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && !req.Anonymous {
		if refresher, ok := c.tokens.(credentials.Refresher); ok {
			fresh, rerr := refresher.Refresh(ctx)
			if rerr == nil {
				drain(resp)
				log.Debug().Str("component", "restapi").Str("path", req.Path).Msg("retrying after token refresh")
				resp, err = c.send(ctx, req, fresh)
				if err != nil {
					return err
				}
			} else {
				log.Debug().Err(rerr).Str("component", "restapi").Msg("token refresh after 401 failed")
			}
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &chat.HTTPError{
			Method:     req.Method,
			URL:        resp.Request.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chat.FetchFailure("decode response", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req Request, token string) (*http.Response, error) {
	u := c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(req.Path, "/")})
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		body = bytes.NewReader(b)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, chat.FetchFailure(method+" "+req.Path, err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
