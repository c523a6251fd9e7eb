package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/history"
)

type HistoryCommand struct {
	*cmds.CommandDescription
	app *App
}

type HistorySettings struct {
	ConversationID string `glazed:"conversation-id"`
	Limit          int    `glazed:"limit"`
	BeforeID       string `glazed:"before-id"`
}

func NewHistoryCommand(app *App) (*HistoryCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Print a page of a conversation's history, oldest first"),
		cmds.WithLong("Fetch one page of persisted messages for a conversation. Use --before-id with the oldest id of a page to walk further back."),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Page size (0 = history-limit from config)"),
			),
			fields.New(
				"before-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only messages older than this id"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"conversation-id",
				fields.TypeString,
				fields.WithHelp("Conversation to read"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &HistoryCommand{CommandDescription: desc, app: app}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.run(ctx, s, func(row types.Row) error { return gp.AddRow(ctx, row) })
}

func (c *HistoryCommand) run(ctx context.Context, s *HistorySettings, addRow func(types.Row) error) error {
	client, tokens, err := c.app.Client()
	if err != nil {
		return err
	}
	credential, err := tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	limit := s.Limit
	if limit <= 0 {
		limit = c.app.Config.HistoryLimit
	}
	msgs, err := history.NewFetcher(client).FetchPage(ctx, chat.ID(s.ConversationID), credential, history.Page{
		Limit:    limit,
		BeforeID: chat.ID(s.BeforeID),
	})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		row := types.NewRow(
			types.MRP("id", m.ID.String()),
			types.MRP("conv_id", m.ConversationID.String()),
			types.MRP("sender_id", m.AuthorID().String()),
			types.MRP("sender", m.AuthorName()),
			types.MRP("text", m.Text),
			types.MRP("attachments", strings.Join(m.Attachments, ",")),
			types.MRP("created_at", formatTime(m.CreatedAt)),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

var _ cmds.GlazeCommand = &HistoryCommand{}
