// Command callctl is a terminal softphone: it registers a phone number with
// the relay, places and answers calls and shows the call history.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NeoRevolt/byoncall-sdk/internal/call"
	"github.com/NeoRevolt/byoncall-sdk/internal/config"
	"github.com/NeoRevolt/byoncall-sdk/internal/coordinator"
	"github.com/NeoRevolt/byoncall-sdk/internal/history"
	"github.com/NeoRevolt/byoncall-sdk/internal/localstore"
	"github.com/NeoRevolt/byoncall-sdk/internal/media"
	"github.com/NeoRevolt/byoncall-sdk/internal/pubsub"
	"github.com/NeoRevolt/byoncall-sdk/internal/transport"
)

type app struct {
	cfg     *config.ClientConfig
	verbose bool
	logger  *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Place and answer calls through a byoncall relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	cfg, err := config.LoadClient()
	if err != nil {
		// flags can still fix a bad environment
		cfg = &config.ClientConfig{}
		fmt.Fprintln(os.Stderr, "callctl:", err)
	}
	a.cfg = cfg

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.Phone, "phone", cfg.Phone, "local phone number (BYONCALL_PHONE)")
	flags.StringVar(&a.cfg.RelayURL, "relay", cfg.RelayURL, "relay URL: ws(s)://host/ws, memory:// or redis://")
	flags.StringVar(&a.cfg.APIBaseURL, "api", cfg.APIBaseURL, "call-log API base URL (BYONCALL_API_URL)")
	flags.StringVar(&a.cfg.Token, "token", cfg.Token, "bearer token for the relay and API (BYONCALL_TOKEN)")
	flags.StringVar(&a.cfg.HistoryPath, "history-db", cfg.HistoryPath, "local call history database")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(newListenCmd(a), newCallCmd(a), newHistoryCmd(a))
	return root
}

// session wires a coordinator to the relay, the pion engine and the history
// stores. The returned cleanup closes the local store.
func (a *app) session(ui call.Listener, policy call.AnswerPolicy) (*coordinator.Coordinator, func(), error) {
	if a.cfg.Phone == "" {
		return nil, nil, fmt.Errorf("--phone is required")
	}

	channel, err := a.channel()
	if err != nil {
		return nil, nil, err
	}

	store, err := localstore.Open(a.cfg.HistoryPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	recorders := history.MultiRecorder{store}
	if a.cfg.APIBaseURL != "" {
		recorders = append(recorders, history.NewRESTClient(a.cfg.APIBaseURL, a.cfg.Token, nil))
	}

	factory := media.NewPionFactory(media.PionConfig{ICE: a.cfg.ICE, Logger: a.logger})
	c := coordinator.New(coordinator.Config{
		RelayURL: a.cfg.RelayURL,
		Machine: call.Config{
			AnswerPolicy:  policy,
			AnswerTimeout: a.cfg.AnswerTimeout,
		},
		Logger: a.logger,
	}, channel, factory, coordinator.Options{UI: ui, Recorder: recorders})

	return c, func() { _ = store.Close() }, nil
}

func (a *app) channel() (transport.Channel, error) {
	u := a.cfg.RelayURL
	if strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") {
		var token transport.TokenSource
		if a.cfg.Token != "" {
			token = transport.StaticToken(a.cfg.Token)
		}
		return transport.NewWebSocketChannel(token, a.logger), nil
	}
	ps, err := pubsub.Open(u)
	if err != nil {
		return nil, err
	}
	return transport.NewPubSubChannel(ps, a.logger), nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
