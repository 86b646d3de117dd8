package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage gateway sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history SESSION_ID",
	Short: "Show the recorded events of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsHistory,
}

var sessionsStopCmd = &cobra.Command{
	Use:   "stop SESSION_ID",
	Short: "Stop a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsStop,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}

	sessions, err := client.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", sess.ID, sess.Status, sess.CreatedAt)
	}
	return w.Flush()
}

func runSessionsHistory(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}

	history, err := client.GetSessionHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, entry := range history {
		if len(entry.Payload) > 0 {
			fmt.Printf("%6d  %-24s %s\n", entry.Seq, entry.Event, string(entry.Payload))
		} else {
			fmt.Printf("%6d  %s\n", entry.Seq, entry.Event)
		}
	}
	return nil
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	s, err := requireSettings()
	if err != nil {
		return err
	}

	client := newClient(s)
	defer client.Disconnect()
	if err := client.Connect(cmd.Context()); err != nil {
		return err
	}

	if err := client.StopSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("session %s stopped\n", args[0])
	return nil
}
