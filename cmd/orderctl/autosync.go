package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/marcus/ordersync/internal/config"
	"github.com/marcus/ordersync/internal/orchestrator"
	"github.com/marcus/ordersync/internal/syncclient"
	"github.com/spf13/cobra"
)

var autosyncCmd = &cobra.Command{
	Use:   "autosync",
	Short: "Run the background sync orchestrator in the foreground",
	Long: `autosync runs the push timer, SSE subscription, and pull debounce
described by the sync orchestrator until interrupted (Ctrl-C or SIGTERM).

It is meant to run as a long-lived companion process; orderctl's other
commands only perform one-off, synchronous sync cycles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !config.GetAutoSyncEnabled() {
			fmt.Println("autosync is disabled (sync.auto.enabled=false); exiting")
			return nil
		}

		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		deviceID, err := config.GetDeviceID()
		if err != nil {
			return fmt.Errorf("get device id: %w", err)
		}
		client := syncclient.New(config.GetServerURL(), deviceID)

		// The SSE debounce is fixed at the orchestrator's own default (see
		// §4.6); only the periodic push fallback cadence is operator-tunable.
		orch := orchestrator.New(db, client, nil, config.GetAutoSyncInterval(), 0)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		unsub := subscribeAndLog(orch)
		defer unsub()

		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("start orchestrator: %w", err)
		}

		<-ctx.Done()
		fmt.Println("autosync: shutting down")
		orch.Stop()
		return nil
	},
}

func subscribeAndLog(orch *orchestrator.Orchestrator) func() {
	ch, unsub := orch.Subscribe()
	go func() {
		for st := range ch {
			fmt.Printf("autosync: state=%s connection=%s pending=%d\n", st.State, st.Connection, st.PendingOperations)
		}
	}()
	return unsub
}
