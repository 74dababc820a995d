package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/keyringd/daemon"
	"github.com/joncooperworks/keyringd/logging"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the key custody protocol until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, closer, err := logging.New(logging.Options{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			ks, err := openKeystore(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := daemon.Open(ctx, cfg, log, daemon.WithKeystore(ks))
			if err != nil {
				log.Error().Err(err).Msg("startup aborted")
				return err
			}
			defer rt.Close()
			return rt.Run(ctx)
		},
	}
}
