package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// QueueCmd returns the queue command
func QueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(queueStatsCmd())
	return cmd
}

func queueStatsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTools(cfgPath)
			if err != nil {
				return err
			}
			defer t.Close()

			st, err := t.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			dead := fmt.Sprint(st.Dead)
			if st.Dead > 0 {
				dead = color.New(color.FgRed).Sprint(st.Dead)
			}
			fmt.Fprintf(out, "ready:    %d (due %d)\n", st.Ready, st.Due)
			fmt.Fprintf(out, "reserved: %d\n", st.Reserved)
			fmt.Fprintf(out, "done:     %d\n", st.Done)
			fmt.Fprintf(out, "dead:     %s\n", dead)
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	return cmd
}
