package cmds

import (
	"context"
	"sort"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/restapi"
)

var engagementShort = map[restapi.Reaction]string{
	restapi.ReactionEcho:    "Echo a post or comment",
	restapi.ReactionDisecho: "Withdraw an echo from a post or comment",
}

// EngagementCommand is the echo or disecho command, depending on reaction.
type EngagementCommand struct {
	*cmds.CommandDescription
	app      *App
	reaction restapi.Reaction
}

type EngagementSettings struct {
	Target string `glazed:"target"`
	ID     string `glazed:"id"`
}

func NewEngagementCommand(app *App, reaction restapi.Reaction) (*EngagementCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		string(reaction),
		cmds.WithShort(engagementShort[reaction]),
		cmds.WithArguments(
			fields.New(
				"target",
				fields.TypeChoice,
				fields.WithHelp("What to react to"),
				fields.WithChoices(string(restapi.TargetPost), string(restapi.TargetComment)),
				fields.WithRequired(true),
			),
			fields.New(
				"id",
				fields.TypeString,
				fields.WithHelp("Post or comment id"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)
	return &EngagementCommand{CommandDescription: desc, app: app, reaction: reaction}, nil
}

func (c *EngagementCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &EngagementSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.run(ctx, s, func(row types.Row) error { return gp.AddRow(ctx, row) })
}

// run emits one row: the target followed by the counters the server returned.
func (c *EngagementCommand) run(ctx context.Context, s *EngagementSettings, addRow func(types.Row) error) error {
	kind, err := restapi.ParseTargetKind(s.Target)
	if err != nil {
		return err
	}
	client, _, err := c.app.Client()
	if err != nil {
		return err
	}
	res, err := client.React(ctx, kind, chat.ID(s.ID), c.reaction)
	if err != nil {
		return err
	}

	row := types.NewRow(
		types.MRP("target", string(kind)),
		types.MRP("id", s.ID),
		types.MRP("reaction", string(c.reaction)),
	)
	keys := make([]string, 0, len(res))
	for k := range res {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		row.Set(k, res[k])
	}
	return addRow(row)
}

var _ cmds.GlazeCommand = &EngagementCommand{}
