package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/zoneflow/zoneflow/internal/store"
)

func newDLQCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "inspect and replay dead-letter entries",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", getenv("DATABASE_URL", ""), "postgres connection string (env: DATABASE_URL)")

	cmd.AddCommand(newDLQListCmd(&databaseURL), newDLQReplayCmd(&databaseURL))
	return cmd
}

func newDLQListCmd(databaseURL *string) *cobra.Command {
	var (
		origin string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list recent dead-letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := store.New(ctx, &store.Config{DatabaseURL: *databaseURL})
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer db.Close()

			entries, err := db.ListDLQ(ctx, store.DLQOrigin(origin), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("dlq is empty")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Origin", "Account", "Error", "Replayed", "Created"})
			table.SetAutoWrapText(false)
			for _, e := range entries {
				account := ""
				if e.AccountID != nil {
					account = e.AccountID.String()
				}
				table.Append([]string{
					e.ID.String(),
					string(e.Origin),
					account,
					truncate(e.Error, 60),
					fmt.Sprintf("%t", e.Replayed),
					e.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "filter by origin (ingest or delivery)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to show")
	return cmd
}

func newDLQReplayCmd(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <entry-id>",
		Short: "re-enqueue a dead delivery as a fresh pending delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", args[0], err)
			}

			ctx := cmd.Context()
			db, err := store.New(ctx, &store.Config{DatabaseURL: *databaseURL})
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer db.Close()

			deliveryID, err := db.ReplayDLQ(ctx, entryID, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("replayed %s as delivery %s\n", entryID, deliveryID)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
