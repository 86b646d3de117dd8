package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/gateway/internal/gatewaytest"
	"github.com/taskmesh/gateway/internal/logging"
)

var (
	mockAddr       string
	mockToken      string
	mockDemoEvents time.Duration
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a mock gateway for development",
	Long: `Run an in-process mock gateway speaking the real wire protocol. It
accepts the challenge handshake, serves the standard methods against
an in-memory session store, and can emit synthetic progress events.

Example:
  gwctl mock --addr :9800
  gwctl mock --addr :9800 --token dev-secret --demo-events 2s`,
	Args: cobra.NoArgs,
	RunE: runMock,
}

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:9800", "Listen address")
	mockCmd.Flags().StringVar(&mockToken, "token", "", "Require this auth token in the handshake (empty accepts any)")
	mockCmd.Flags().DurationVar(&mockDemoEvents, "demo-events", 0, "Emit a synthetic progress event at this interval (0 disables)")
}

func runMock(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mock := gatewaytest.New(gatewaytest.Options{
		AuthToken: mockToken,
		Logger:    logging.Mock(),
	})

	listener, err := net.Listen("tcp", mockAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", mockAddr, err)
	}
	server := &http.Server{Handler: mock.Handler()}

	errs := make(chan error, 1)
	go func() { errs <- server.Serve(listener) }()
	fmt.Printf("mock gateway listening on ws://%s\n", listener.Addr())

	if mockDemoEvents > 0 {
		go emitDemoEvents(ctx, mock, mockDemoEvents)
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		return err
	}

	fmt.Println("\nshutting down")
	mock.CloseConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// emitDemoEvents periodically broadcasts a synthetic progress event so
// connected clients have something to watch.
func emitDemoEvents(ctx context.Context, mock *gatewaytest.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ticker.C:
			n++
			mock.SendEvent("session.progress", map[string]any{
				"sessionId": "demo",
				"message":   fmt.Sprintf("demo event %d", n),
			})
		case <-ctx.Done():
			return
		}
	}
}
