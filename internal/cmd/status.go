package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the gateway's self-reported status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}

	status, err := client.GetGatewayStatus(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("gateway:         %s\n", s.GatewayURL)
	fmt.Printf("version:         %s\n", status.Version)
	fmt.Printf("active sessions: %d\n", status.ActiveSessions)
	if status.UptimeSeconds > 0 {
		fmt.Printf("uptime:          %s\n", time.Duration(status.UptimeSeconds)*time.Second)
	}
	return nil
}
