package cmds

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/credentials"
	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/go-go-golems/chatsync/pkg/restapi"
)

// App holds what every subcommand shares: the loaded configuration, the
// credential store and the REST client.
type App struct {
	Config *config.Config

	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	baseURL    string

	logCloser io.Closer
}

func NewApp() *App {
	return &App{}
}

func (a *App) AddFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $HOME/.chatsync/config.yaml)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format (console, json, auto)")
	pf.StringVar(&a.logFile, "log-file", "", "write logs to this file")
	pf.StringVar(&a.baseURL, "base-url", "", "backend base url")
}

// Init loads the configuration, applies flag overrides and sets up logging.
func (a *App) Init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.baseURL != "" {
		cfg.BaseURL = a.baseURL
		cfg.StreamURL = ""
		if err := cfg.Normalize(); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}
	closer, err := logging.Init(cfg.Log)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.logCloser = closer
	return nil
}

func (a *App) Shutdown() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}

func (a *App) CredentialStore() *credentials.FileStore {
	return credentials.NewFileStore(a.Config.CredentialsFile)
}

// Tokens returns a provider over the credential file that refreshes through
// the token endpoint.
func (a *App) Tokens() (*credentials.RefreshingProvider, error) {
	anon, err := restapi.New(a.Config.BaseURL, nil, restapi.WithTimeout(a.Config.RequestTimeout))
	if err != nil {
		return nil, err
	}
	return credentials.NewRefreshingProvider(a.CredentialStore(), anon.RefreshTokens), nil
}

// Client returns an authenticated REST client.
func (a *App) Client() (*restapi.Client, credentials.TokenProvider, error) {
	if a.Config == nil {
		return nil, nil, errors.New("configuration not loaded")
	}
	tokens, err := a.Tokens()
	if err != nil {
		return nil, nil, err
	}
	client, err := restapi.New(a.Config.BaseURL, tokens, restapi.WithTimeout(a.Config.RequestTimeout))
	if err != nil {
		return nil, nil, err
	}
	return client, tokens, nil
}
