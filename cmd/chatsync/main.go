package main

import (
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	glazedcmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/cmd/chatsync/cmds"
	"github.com/go-go-golems/chatsync/pkg/restapi"
)

func main() {
	app := cmds.NewApp()
	rootCmd := &cobra.Command{
		Use:          "chatsync",
		Short:        "chatsync follows echo conversations live from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// flags are parsed by now, so --log-level and co apply
			return app.Init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Shutdown()
		},
	}
	app.AddFlags(rootCmd)

	rootCmd.AddCommand(
		cmds.NewChatCommand(app),
		cmds.NewLoginCommand(app),
	)

	historyCmd, err := cmds.NewHistoryCommand(app)
	cobra.CheckErr(err)
	conversationsCmd, err := cmds.NewConversationsCommand(app)
	cobra.CheckErr(err)
	echoCmd, err := cmds.NewEngagementCommand(app, restapi.ReactionEcho)
	cobra.CheckErr(err)
	disechoCmd, err := cmds.NewEngagementCommand(app, restapi.ReactionDisecho)
	cobra.CheckErr(err)

	for _, c := range []glazedcmds.GlazeCommand{historyCmd, conversationsCmd, echoCmd, disechoCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
		cobra.CheckErr(err)
		rootCmd.AddCommand(cobraCmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("CHATSYNC",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
