package main

import (
	"fmt"

	"github.com/obrennan/clinicast/internal/config"
	"github.com/obrennan/clinicast/internal/db"
	"github.com/obrennan/clinicast/internal/status"
	"github.com/obrennan/clinicast/internal/storage"
	"github.com/obrennan/clinicast/internal/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Print the processing status of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}
			blobs, err := storage.NewLocal(cfg.Storage.Root)
			if err != nil {
				return err
			}

			st := store.New(gormDB, blobs, cfg.Retention.SessionTTL)
			snap, err := status.Project(st, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:  %s\n", snap.SessionID)
			fmt.Fprintf(out, "Stage:    %s\n", snap.Stage)
			fmt.Fprintf(out, "Status:   %s\n", snap.Status)
			fmt.Fprintf(out, "Progress: %d%% (%s)\n", snap.Progress, snap.CurrentStep)
			for _, s := range snap.Stages {
				mark := " "
				if s.Done {
					mark = "x"
				}
				fmt.Fprintf(out, "  [%s] %-13s %s\n", mark, s.Name, s.ArtifactRef)
			}
			if snap.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:    %s (%s)\n", snap.ErrorMessage, snap.ErrorKind)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "clinicast.yaml", "path to config file")
	return cmd
}
