package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
)

var (
	flagConfig string
	flagStore  string
	flagToken  string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "voice",
	Short: "Peer-to-peer voice rooms over WebRTC",
	Long: `voice creates rooms on a voicemesh store server and joins their
voice mesh. Audio flows directly between participants; the server only
carries room records, presence and signaling.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if flagDebug {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "store server WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "client token; keeps the same identity across runs")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")
}

// Execute runs the root command and exits non-zero on failure. An
// interrupt cancels the command context so join can leave cleanly.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flagStore != "" {
		cfg.StoreURL = flagStore
	}
	if flagToken != "" {
		cfg.ClientToken = flagToken
	}
	return cfg, nil
}

// connect dials the store server and resolves who we are on it. The
// connection is redialed with the same token if it drops.
func connect(ctx context.Context, cfg *config.Config) (*docstore.ReconnectingClient, domain.Participant, error) {
	client, err := docstore.Open(ctx, cfg.StoreURL, cfg.ClientToken)
	if err != nil {
		return nil, domain.Participant{}, err
	}
	me, err := client.WhoAmI(ctx)
	if err != nil {
		client.Close()
		return nil, domain.Participant{}, err
	}
	return client, me, nil
}
