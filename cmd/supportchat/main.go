package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagLogLevel string
	flagConfig   string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "supportchat",
		Short: "Embedded support-chat session engine tools",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagLogLevel)
		},
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "zerolog level (trace|debug|info|warn|error)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config")

	root.AddCommand(newRunCommand())
	root.AddCommand(newSimulateCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}
