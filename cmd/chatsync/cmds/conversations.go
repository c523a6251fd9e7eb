package cmds

import (
	"context"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
)

type ConversationsCommand struct {
	*cmds.CommandDescription
	app *App
}

func NewConversationsCommand(app *App) (*ConversationsCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"conversations",
		cmds.WithShort("List the conversations the current user takes part in"),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &ConversationsCommand{CommandDescription: desc, app: app}, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	return c.run(ctx, func(row types.Row) error { return gp.AddRow(ctx, row) })
}

func (c *ConversationsCommand) run(ctx context.Context, addRow func(types.Row) error) error {
	client, _, err := c.app.Client()
	if err != nil {
		return err
	}
	convs, err := client.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		ids := make([]string, 0, len(conv.Participants))
		for _, id := range conv.ParticipantIDs() {
			ids = append(ids, id.String())
		}
		row := types.NewRow(
			types.MRP("id", conv.ID.String()),
			types.MRP("title", conv.Title()),
			types.MRP("is_group", conv.IsGroup),
			types.MRP("participants", strings.Join(ids, ",")),
			types.MRP("last_message", conv.LastMessageText),
			types.MRP("last_message_at", formatTime(conv.LastMessageAt)),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ConversationsCommand{}
