package cmds

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/chatsync/pkg/restapi"
)

func NewLoginCommand(app *App) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the token pair in the credentials file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := &input.UI{
				Writer: cmd.ErrOrStderr(),
				Reader: os.Stdin,
			}
			if username == "" {
				answer, err := ui.Ask("Username", &input.Options{
					Required:  true,
					Loop:      true,
					HideOrder: true,
				})
				if err != nil {
					return errors.Wrap(err, "read username")
				}
				username = answer
			}
			if password == "" {
				answer, err := ui.Ask("Password", &input.Options{
					Required:  true,
					Loop:      true,
					Mask:      true,
					HideOrder: true,
				})
				if err != nil {
					return errors.Wrap(err, "read password")
				}
				password = answer
			}

			client, err := restapi.New(app.Config.BaseURL, nil, restapi.WithTimeout(app.Config.RequestTimeout))
			if err != nil {
				return err
			}
			tokens, err := client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			store := app.CredentialStore()
			if err := store.Save(cmd.Context(), tokens); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s, credentials saved to %s\n", username, store.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name (prompted when empty)")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when empty)")
	return cmd
}
