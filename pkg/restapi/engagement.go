package restapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type TargetKind string

const (
	TargetPost    TargetKind = "post"
	TargetComment TargetKind = "comment"
)

func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(s) {
	case TargetPost, TargetComment:
		return TargetKind(s), nil
	}
	return "", errors.Errorf("unknown target kind %q (want post or comment)", s)
}

type Reaction string

const (
	ReactionEcho    Reaction = "echo"
	ReactionDisecho Reaction = "disecho"
)

func reactionPath(kind TargetKind, id chat.ID, r Reaction) (string, error) {
	var collection string
	switch kind {
	case TargetPost:
		collection = "posts"
	case TargetComment:
		collection = "comments"
	default:
		return "", errors.Errorf("unknown target kind %q", kind)
	}
	if id.IsZero() {
		return "", errors.New("empty target id")
	}
	return "echo_api/" + collection + "/" + url.PathEscape(id.String()) + "/" + string(r) + "/", nil
}

// React registers a reaction on a post or comment. The endpoints are
// idempotent; the answer is returned as the server sent it.
func (c *Client) React(ctx context.Context, kind TargetKind, id chat.ID, r Reaction) (map[string]any, error) {
	path, err := reactionPath(kind, id, r)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := c.Do(ctx, Request{Method: http.MethodPost, Path: path}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Echo(ctx context.Context, kind TargetKind, id chat.ID) (map[string]any, error) {
	return c.React(ctx, kind, id, ReactionEcho)
}

func (c *Client) Disecho(ctx context.Context, kind TargetKind, id chat.ID) (map[string]any, error) {
	return c.React(ctx, kind, id, ReactionDisecho)
}
