package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/gateway/internal/gateway"
	"github.com/taskmesh/gateway/internal/logging"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity to the gateway",
	Long: `Connect to the gateway, run the authentication handshake, measure
round-trip latency with a ping request, and disconnect.

Exits non-zero when the gateway is unreachable or rejects the handshake.`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(),
		time.Duration(s.ConnectionTimeoutMs)*time.Millisecond+gateway.DefaultPingTimeout)
	defer cancel()

	result := gateway.CheckConnectivity(ctx, s.GatewayURL, s.AuthToken, logging.Gateway())
	if !result.Success {
		return fmt.Errorf("gateway unreachable: %s", result.Error)
	}

	fmt.Printf("pong from %s (version %s) in %dms\n", s.GatewayURL, result.Version, result.LatencyMs)
	return nil
}
