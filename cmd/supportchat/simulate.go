package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/widgetlabs/supportchat/pkg/config"
	"github.com/widgetlabs/supportchat/pkg/persistence/resumestore"
	"github.com/widgetlabs/supportchat/pkg/session"
	"github.com/widgetlabs/supportchat/pkg/transport"
)

// newSimulateCommand replays a JSONL transport-event script through the
// session engine and prints a snapshot line after every mutation. Useful for
// eyeballing lifecycle behavior without a live backend.
func newSimulateCommand() *cobra.Command {
	var (
		scriptPath   string
		account      string
		businessLine string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a transport-event script through the session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			f, err := os.Open(scriptPath)
			if err != nil {
				return errors.Wrap(err, "open script")
			}
			defer func() { _ = f.Close() }()
			events, err := transport.ReadReplayScript(f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tr := transport.NewReplayTransport(events)
			enc := json.NewEncoder(os.Stdout)
			eng := session.New(tr,
				session.WithConfig(cfg.SessionConfig()),
				session.WithResumeStore(resumestore.NewInMemoryStore()),
				session.WithListener(func(s session.Snapshot) {
					if err := enc.Encode(s); err != nil {
						log.Warn().Err(err).Msg("snapshot encode failed")
					}
				}),
			)

			if err := eng.Connect(ctx, transport.Credentials{
				AppKey:  "simulate",
				Account: account,
			}); err != nil {
				return err
			}
			if _, err := eng.StartSession(ctx, businessLine); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return tr.Run(gctx) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return eng.Shutdown()
		},
	}
	cmd.Flags().StringVar(&scriptPath, "script", "", "JSONL replay script (required)")
	cmd.Flags().StringVar(&account, "account", "visitor-1", "visitor account id")
	cmd.Flags().StringVar(&businessLine, "business-line", "", "business line code")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}
