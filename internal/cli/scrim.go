package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"scrimbot/internal/storage"
)

// ScrimCmd returns the scrim command
func ScrimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrim",
		Short: "Manage scrim records",
	}
	cmd.AddCommand(scrimPutCmd(), scrimGetCmd())
	return cmd
}

func scrimPutCmd() *cobra.Command {
	var (
		cfgPath string
		sc      storage.Scrim
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or update a scrim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sc.ID <= 0 || sc.GuildID == "" {
				return errors.New("--id and --guild are required")
			}
			t, err := openTools(cfgPath)
			if err != nil {
				return err
			}
			defer t.Close()

			if sc.CreatedAt.IsZero() {
				sc.CreatedAt = time.Now()
			}
			if err := t.Scrims.UpsertScrim(cmd.Context(), sc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s scrim %d\n", color.New(color.FgGreen).Sprint("saved"), sc.ID)
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().Int64Var(&sc.ID, "id", 0, "scrim id")
	cmd.Flags().StringVar(&sc.GuildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&sc.Name, "name", "", "display name")
	cmd.Flags().StringVar(&sc.RegistrationChannelID, "registration-channel", "", "channel opened at registration start")
	cmd.Flags().StringVar(&sc.OpenRoleID, "open-role", "", "role granted access (default: @everyone)")
	return cmd
}

func scrimGetCmd() *cobra.Command {
	var (
		cfgPath string
		id      int64
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a scrim",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTools(cfgPath)
			if err != nil {
				return err
			}
			defer t.Close()

			sc, err := t.Scrims.GetScrim(cmd.Context(), id)
			if errors.Is(err, storage.ErrScrimNotFound) {
				return fmt.Errorf("scrim %d not found", id)
			}
			if err != nil {
				return err
			}
			ch := sc.RegistrationChannelID
			if ch == "" {
				ch = color.New(color.FgYellow).Sprint("(none)")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scrim %d - %s\n", sc.ID, sc.Name)
			fmt.Fprintf(out, "  guild:                %s\n", sc.GuildID)
			fmt.Fprintf(out, "  registration channel: %s\n", ch)
			fmt.Fprintf(out, "  created:              %s\n", sc.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().Int64Var(&id, "id", 0, "scrim id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
