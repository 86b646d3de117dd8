package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmesh/gateway/internal/config"
	"github.com/taskmesh/gateway/internal/gateway"
	"github.com/taskmesh/gateway/internal/logging"
	"github.com/taskmesh/gateway/internal/protocol"
)

var watchCmd = &cobra.Command{
	Use:   "watch [SESSION_ID]",
	Short: "Stream session events",
	Long: `Stream events from the gateway until interrupted. With a SESSION_ID
only that session's events are shown; without one, every session's.

The connection reconnects automatically with the configured backoff,
and the subscription survives reconnects.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	target := gateway.AllSessions
	if len(args) == 1 {
		target = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	// Surface settings file edits while attached. New values apply on the
	// next invocation; the running connection keeps its parameters.
	if configPath != "" {
		watcher, err := config.NewSettingsWatcher(configPath, logging.CLI(), func(*config.Settings) {
			fmt.Println("settings file changed; restart watch to apply")
		})
		if err != nil {
			return fmt.Errorf("watch settings file: %w", err)
		}
		watcher.Start()
		defer watcher.Close()
	}

	events := make(chan protocol.SessionEvent, 256)
	unsub := client.Subscribe(target, func(ev protocol.SessionEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsub()

	if target == gateway.AllSessions {
		fmt.Printf("watching all sessions on %s\n", s.GatewayURL)
	} else {
		fmt.Printf("watching session %s on %s\n", target, s.GatewayURL)
	}

	for {
		select {
		case ev := <-events:
			printEvent(ev)
		case <-ctx.Done():
			fmt.Println()
			return nil
		}
	}
}
