package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/widgetlabs/supportchat/pkg/config"
	"github.com/widgetlabs/supportchat/pkg/persistence/resumestore"
	"github.com/widgetlabs/supportchat/pkg/session"
	"github.com/widgetlabs/supportchat/pkg/transport"
)

// newRunCommand connects to the configured backend (stream or websocket) and
// keeps a live session open until interrupted, printing a snapshot line after
// every mutation.
func newRunCommand() *cobra.Command {
	var (
		appKey       string
		account      string
		token        string
		businessLine string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a live session against the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			tr, err := cfg.BuildTransport()
			if err != nil {
				return err
			}

			var resume resumestore.Store
			if cfg.Resume.Path != "" {
				resume, err = resumestore.NewSQLiteStore(cfg.Resume.Path)
				if err != nil {
					return err
				}
			} else {
				resume = resumestore.NewInMemoryStore()
			}
			defer func() { _ = resume.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(os.Stdout)
			eng := session.New(tr,
				session.WithConfig(cfg.SessionConfig()),
				session.WithResumeStore(resume),
				session.WithListener(func(s session.Snapshot) {
					if err := enc.Encode(s); err != nil {
						log.Warn().Err(err).Msg("snapshot encode failed")
					}
				}),
			)

			if err := eng.Connect(ctx, transport.Credentials{
				AppKey:  appKey,
				Account: account,
				Token:   token,
			}); err != nil {
				return err
			}
			if _, err := eng.StartSession(ctx, businessLine); err != nil {
				return err
			}
			log.Info().
				Str("mode", cfg.Transport.Mode).
				Str("account", account).
				Msg("session running, ctrl-c to stop")

			<-ctx.Done()
			return eng.Shutdown()
		},
	}
	cmd.Flags().StringVar(&appKey, "app-key", "supportchat", "backend application key")
	cmd.Flags().StringVar(&account, "account", "", "visitor account id (required)")
	cmd.Flags().StringVar(&token, "token", "", "visitor auth token")
	cmd.Flags().StringVar(&businessLine, "business-line", "", "business line code")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
