package cmds

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/dispatch"
	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/persistence/transcript"
	"github.com/go-go-golems/chatsync/pkg/stream"
	"github.com/go-go-golems/chatsync/pkg/switcher"
	"github.com/go-go-golems/chatsync/pkg/ui/terminal"
)

type chatFlags struct {
	transcriptDB string
	metricsAddr  string
	redis        bool
	redisAddr    string
	self         string
	plain        bool
}

func NewChatCommand(app *App) *cobra.Command {
	f := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Follow a conversation and send messages from stdin",
		Long: "Follow a conversation live. Every stdin line is sent as a message.\n" +
			"Commands: /switch <id>, /older, /reconnect, /status, /quit",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, app, f, chat.ID(args[0]), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.transcriptDB, "transcript-db", "", "persist received messages to this sqlite file")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.redis, "redis", false, "publish events to a redis stream instead of in-process")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", "", "redis address")
	cmd.Flags().StringVar(&f.self, "self", "", "own user id, highlights own messages")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "disable colors")
	return cmd
}

func runChat(ctx context.Context, app *App, f *chatFlags, convID chat.ID, in io.Reader, out io.Writer) error {
	cfg := app.Config
	if f.transcriptDB != "" {
		cfg.TranscriptDB = f.transcriptDB
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.redis {
		cfg.Redis.Enabled = true
	}
	if f.redisAddr != "" {
		cfg.Redis.Addr = f.redisAddr
	}

	client, tokens, err := app.Client()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}

	var store *transcript.SQLiteStore
	if cfg.TranscriptDB != "" {
		dsn, err := transcript.DSNForFile(cfg.TranscriptDB)
		if err != nil {
			return err
		}
		store, err = transcript.NewSQLiteStore(dsn)
		if err != nil {
			return err
		}
	}

	bus, err := eventbus.Build(ctx, cfg.Redis)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return err
	}
	defer func() {
		// the bus goes first so no handler writes to a closed store
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("closing event bus")
		}
		if store != nil {
			_ = store.Close()
		}
	}()
	if err := bus.AddConsumer(ctx, "trace", eventbus.TraceFunc(log.With().Str("component", "events").Logger())); err != nil {
		return err
	}
	if store != nil {
		if err := bus.AddConsumer(ctx, "transcript", transcript.PersistFunc(store)); err != nil {
			return err
		}
	}

	streamCfg := stream.DefaultConfig(cfg.StreamURL)
	streamCfg.RetryDelay = cfg.RetryDelay
	streamCfg.MaxRetries = cfg.MaxRetries
	streamCfg.HandshakeTimeout = cfg.HandshakeTimeout
	streamCfg.WriteTimeout = cfg.WriteTimeout
	streamCfg.Metrics = m

	sw := switcher.New(switcher.Options{
		Stream:  streamCfg,
		History: history.NewFetcher(client, history.WithLimit(cfg.HistoryLimit), history.WithMetrics(m)),
		Tokens:  tokens,
		Metrics: m,
	})

	plain := f.plain || !isTerminal(out)
	renderer := terminal.New(out, terminal.WithSelf(chat.ID(f.self)), terminal.WithPlain(plain))
	sw.Subscribe(renderer)

	fwd := bus.Forwarder()
	sw.Subscribe(fwd)
	defer func() {
		sw.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		fwd.Close(closeCtx)
	}()

	d := dispatch.New(sw,
		dispatch.WithRateLimit(cfg.SendRate, cfg.SendBurst),
		dispatch.WithMetrics(m),
		dispatch.WithConversation(sw.Active),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return bus.Run(ctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	select {
	case <-bus.Running():
	case <-ctx.Done():
		return eg.Wait()
	}

	if err := sw.Select(ctx, convID); err != nil {
		// transport failures are retried and show up on the status line
		if !errors.Is(err, chat.ErrConnectFailure) {
			cancel()
			_ = eg.Wait()
			return err
		}
		log.Warn().Err(err).Str("conv_id", convID.String()).Msg("first connection attempt failed")
	}

	sess := &chatSession{switcher: sw, dispatcher: d, renderer: renderer}
	eg.Go(func() error {
		defer cancel()
		return sess.run(ctx, in)
	})

	return eg.Wait()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// chatSession interprets stdin lines for the chat command.
type chatSession struct {
	switcher   *switcher.Switcher
	dispatcher *dispatch.Dispatcher
	renderer   *terminal.Renderer
}

var errQuit = errors.New("quit")

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return errors.Wrap(err, "read input")
				default:
					return nil
				}
			}
			if err := s.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				return err
			}
		}
	}
}

// handle runs one input line. Failures that leave the session usable are
// reported through the renderer; only errQuit ends the loop.
func (s *chatSession) handle(ctx context.Context, line string) error {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		if trimmed == "" {
			return nil
		}
		s.dispatcher.Compose().Set(line)
		if _, err := s.dispatcher.SendCompose(ctx); err != nil {
			s.renderer.Notice("not sent: %v", err)
		}
		return nil
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/switch":
		var next chat.ID
		if len(fields) > 1 {
			next = chat.ID(fields[1])
		}
		if err := s.switcher.Select(ctx, next); err != nil {
			s.renderer.Notice("switch failed: %v", err)
		}
	case "/older":
		n, err := s.switcher.LoadOlder(ctx)
		switch {
		case err != nil:
			s.renderer.Notice("could not load older messages: %v", err)
		case n == 0:
			s.renderer.Notice("no older messages")
		}
	case "/reconnect":
		if err := s.switcher.Reconnect(ctx); err != nil {
			s.renderer.Notice("reconnect failed: %v", err)
		}
	case "/status":
		s.renderer.Notice("%s", s.renderer.FormatStatus(s.switcher.Status()))
	default:
		s.renderer.Notice("unknown command %s", fields[0])
	}
	return nil
}
