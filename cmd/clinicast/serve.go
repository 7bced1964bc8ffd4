package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/db"
	"github.com/obrennan/clinicast/internal/intake"
	"github.com/obrennan/clinicast/internal/pipeline"
	"github.com/obrennan/clinicast/internal/retention"
	"github.com/obrennan/clinicast/internal/server"
	"github.com/obrennan/clinicast/internal/stage"
	"github.com/obrennan/clinicast/internal/storage"
	"github.com/obrennan/clinicast/internal/store"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the clinicast API server",
		Long:  "Migrates the database, recovers interrupted runs, and serves the session API with the retention sweep scheduled in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "clinicast.yaml", "path to config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer deps.runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail runs orphaned by a previous process before accepting traffic.
	if recovered, err := deps.runner.Recover(); err != nil {
		log.Printf("serve: boot recovery: %v", err)
	} else if recovered > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d interrupted runs\n", recovered)
	}

	sweeper := retention.New(deps.store, deps.runner, cfg.Retention.SweepEvery, cmd.OutOrStdout())
	go func() {
		if err := sweeper.Start(ctx); err != nil {
			log.Printf("serve: retention sweeper: %v", err)
		}
	}()

	return server.Start(ctx, server.StartOpts{
		Store:  deps.store,
		Intake: deps.intake,
		Runner: deps.runner,
		Port:   cfg.Server.Port,
		Out:    cmd.OutOrStdout(),
	})
}

// deps bundles the wired components shared by serve and watch.
type deps struct {
	store  *store.Store
	intake *intake.Intake
	runner *pipeline.Runner
}

// buildDeps wires storage, database, store, adapters and pipeline from
// configuration.
func buildDeps(cfg *config.Config) (*deps, error) {
	blobs, err := storage.NewLocal(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	st := store.New(gormDB, blobs, cfg.Retention.SessionTTL)
	exec := stage.NewExecutor()

	runner := pipeline.New(st, cfg.Pipeline,
		stage.NewExtractor(blobs, exec, cfg.Transcriber),
		stage.NewSummarizer(blobs, cfg.Summarizer),
		stage.NewScripter(blobs, cfg.Summarizer),
		stage.NewSynthesizer(blobs, exec, cfg.Speech),
	)

	return &deps{
		store:  st,
		intake: intake.New(st, blobs, cfg.MaxUploadBytes(), cfg.Limits.MaxMaterials),
		runner: runner,
	}, nil
}
