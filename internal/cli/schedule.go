package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// ScheduleCmd returns the schedule command
func ScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Enqueue scrim lifecycle actions",
	}
	cmd.AddCommand(scheduleRegistrationCmd())
	return cmd
}

func scheduleRegistrationCmd() *cobra.Command {
	var (
		cfgPath string
		scrimID int64
		in      time.Duration
		at      string
	)
	cmd := &cobra.Command{
		Use:   "registration",
		Short: "Open a scrim's registration channel at a later time",
		Example: `  scrimbot schedule registration --scrim 42 --in 10m
  scrimbot schedule registration --scrim 42 --at 2026-10-16T18:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scrimID <= 0 {
				return errors.New("--scrim must be a positive id")
			}
			runAt, err := resolveRunAt(time.Now(), in, at, cmd.Flags().Changed("in"))
			if err != nil {
				return err
			}

			t, err := openTools(cfgPath)
			if err != nil {
				return err
			}
			defer t.Close()

			id, err := t.Schedule.ScheduleRegistration(cmd.Context(), scrimID, runAt)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %d: open registration for scrim %d at %s\n",
				color.New(color.FgGreen).Sprint("queued"), id, scrimID, runAt.Format(time.RFC3339))
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().Int64Var(&scrimID, "scrim", 0, "scrim id")
	cmd.Flags().DurationVar(&in, "in", 0, "delay from now (e.g. 10m)")
	cmd.Flags().StringVar(&at, "at", "", "absolute time (RFC3339)")
	cmd.MarkFlagsMutuallyExclusive("in", "at")
	_ = cmd.MarkFlagRequired("scrim")
	return cmd
}

// resolveRunAt picks the run time from --in or --at. With neither set the
// job runs now.
func resolveRunAt(now time.Time, in time.Duration, at string, inSet bool) (time.Time, error) {
	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("--at: %w", err)
		}
		return t, nil
	case inSet:
		if in < 0 {
			return time.Time{}, errors.New("--in must be >= 0")
		}
		return now.Add(in), nil
	}
	return now, nil
}
