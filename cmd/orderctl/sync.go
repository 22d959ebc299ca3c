package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/marcus/ordersync/internal/config"
	"github.com/marcus/ordersync/internal/pull"
	"github.com/marcus/ordersync/internal/push"
	"github.com/marcus/ordersync/internal/syncclient"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drive one-off sync cycles against syncd",
}

func init() {
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncTailCmd)

	syncStatusCmd.Flags().Bool("json", false, "print as JSON")
	syncTailCmd.Flags().Int("n", 20, "number of outbox rows to show")
}

func newClient() (*syncclient.Client, error) {
	deviceID, err := config.GetDeviceID()
	if err != nil {
		return nil, fmt.Errorf("get device id: %w", err)
	}
	return syncclient.New(config.GetServerURL(), deviceID), nil
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Send pending outbox operations to syncd",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		client, err := newClient()
		if err != nil {
			return err
		}

		result, err := push.New(db, client, nil).Run(context.Background())
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}
		fmt.Printf("sent=%d succeeded=%d conflicted=%d rejected=%d cancelled=%d\n",
			result.Sent, result.Succeeded, result.Conflicted, result.Rejected, result.Cancelled)
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch and apply changes from syncd",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		client, err := newClient()
		if err != nil {
			return err
		}

		result, err := pull.New(db, client, nil).Run(context.Background())
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		fmt.Printf("bootstrapped=%v applied=%d rebased=%d\n",
			result.SnapshotBootstrapped, result.Applied, result.Rebased)
		return nil
	},
}

type syncStatus struct {
	PendingOperations int    `json:"pending_operations"`
	LastPushAt        string `json:"last_push_at,omitempty"`
	LastSyncAt        string `json:"last_sync_at,omitempty"`
	HasSnapshot       bool   `json:"has_snapshot"`
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending operation count and last sync timestamps",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		pending, err := db.PendingCount()
		if err != nil {
			return fmt.Errorf("pending count: %w", err)
		}
		lastPush, _, _ := db.LastPushAt()
		lastSync, _, _ := db.LastSyncAt()
		hasSnapshot, _ := db.HasSnapshot()

		st := syncStatus{
			PendingOperations: pending,
			LastPushAt:        lastPush,
			LastSyncAt:        lastSync,
			HasSnapshot:       hasSnapshot,
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		fmt.Printf("pending operations: %d\n", st.PendingOperations)
		fmt.Printf("has snapshot:       %v\n", st.HasSnapshot)
		fmt.Printf("last push at:       %s\n", orEmpty(st.LastPushAt))
		fmt.Printf("last sync at:       %s\n", orEmpty(st.LastSyncAt))
		return nil
	},
}

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent outbox operations and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, _ := cmd.Flags().GetInt("n")
		ops, err := db.GetOutboxTail(n)
		if err != nil {
			return fmt.Errorf("get outbox tail: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tENTITY\tOP\tSTATUS\tRETRIES")
		for _, op := range ops {
			fmt.Fprintf(w, "%d\t%s:%s\t%s\t%s\t%d\n", op.SequenceNumber, op.EntityType, op.EntityID, op.OpType, op.Status, op.RetryCount)
		}
		return w.Flush()
	},
}

func orEmpty(s string) string {
	if s == "" {
		return "(never)"
	}
	return s
}
