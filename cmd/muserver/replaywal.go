package main

import (
	"github.com/spf13/cobra"

	"muruntime/internal/config"
	"muruntime/internal/wal"
)

func newReplayWALCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay-wal",
		Short: "List uncommitted write-ahead log records without applying them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			resolved := cfg.Resolve()

			journal, err := wal.Open(resolved.WAL)
			if err != nil {
				return err
			}
			defer journal.Close()

			records, err := journal.Replay()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmd.Println("no uncommitted records")
				return nil
			}
			for _, rec := range records {
				cmd.Printf("event_id=%s kind=%d logical_ts=%d payload_bytes=%d\n", rec.EventID, rec.Kind, rec.LogicalTs, len(rec.Payload))
			}
			return nil
		},
	}
}
