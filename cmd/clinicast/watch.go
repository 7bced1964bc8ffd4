package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/watcher"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		configPath string
		dir        string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch an inbox directory and process dropped recordings",
		Long:  "Monitors a directory for new audio files; each one becomes a session processed with the default configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dir != "" {
				cfg.Watch.Dir = dir
			}
			if cfg.Watch.Dir == "" {
				return fmt.Errorf("watch: no inbox directory configured (set watch.dir or --dir)")
			}

			deps, err := buildDeps(cfg)
			if err != nil {
				return err
			}
			defer deps.runner.Close()

			w, err := watcher.New(cfg.Watch.Dir, deps.store, deps.intake, deps.runner, cfg.Watch.MaxConcurrent)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for recordings\n", cfg.Watch.Dir)
			if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "clinicast.yaml", "path to config file")
	cmd.Flags().StringVar(&dir, "dir", "", "inbox directory (overrides watch.dir)")
	return cmd
}
