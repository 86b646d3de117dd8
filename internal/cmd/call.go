package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAMS]",
	Short: "Invoke a raw gateway method",
	Long: `Invoke a gateway RPC method by name. PARAMS, when given, must be a
JSON value sent as the request parameters.

Example:
  gwctl call getStatus
  gwctl call getSessionHistory '{"sessionId":"sess-42"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "How long to wait for the response")
}

func runCall(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	method := args[0]
	var params any
	if len(args) == 2 {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
			return fmt.Errorf("params are not valid JSON: %w", err)
		}
		params = raw
	}

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}

	payload, err := client.Call(cmd.Context(), method, params, callTimeout)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		fmt.Println("ok")
		return nil
	}

	pretty, err := json.MarshalIndent(json.RawMessage(payload), "", "  ")
	if err != nil {
		// Fall back to the raw bytes rather than hiding the result.
		fmt.Println(string(payload))
		return nil
	}
	fmt.Println(string(pretty))
	return nil
}
