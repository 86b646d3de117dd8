package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskmesh/gateway/internal/gateway"
	"github.com/taskmesh/gateway/internal/protocol"
)

var sendWatch bool

var sendCmd = &cobra.Command{
	Use:   "send TASK...",
	Short: "Submit a task for execution",
	Long: `Submit a task to the gateway. The task text is the concatenation of
all arguments. Prints the session id running the task.

With --watch the command stays attached and streams the session's
events until it completes or fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVarP(&sendWatch, "watch", "w", false, "Stream session events until the session finishes")
}

func runSend(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}

	// Subscribe before sending so events racing the response are not lost;
	// filter to our session once its id is known.
	events := make(chan protocol.SessionEvent, 256)
	if sendWatch {
		unsub := client.Subscribe(gateway.AllSessions, func(ev protocol.SessionEvent) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsub()
	}

	task := strings.Join(args, " ")
	result, err := client.SendTask(cmd.Context(), gateway.SendTaskParams{Task: task})
	if err != nil {
		return err
	}
	fmt.Printf("session %s started\n", result.SessionID)

	if !sendWatch {
		return nil
	}

	for {
		select {
		case ev := <-events:
			if ev.SessionID != result.SessionID {
				continue
			}
			printEvent(ev)
			switch ev.Type {
			case protocol.SessionEventComplete:
				return nil
			case protocol.SessionEventError:
				return fmt.Errorf("session %s failed", result.SessionID)
			}
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		}
	}
}

// printEvent renders one session event for the terminal.
func printEvent(ev protocol.SessionEvent) {
	ts := ev.Timestamp.Format("15:04:05.000")
	if len(ev.Data) > 0 {
		fmt.Printf("%s [%s] %s %s\n", ts, ev.SessionID, ev.Type, string(ev.Data))
		return
	}
	fmt.Printf("%s [%s] %s\n", ts, ev.SessionID, ev.Type)
}
