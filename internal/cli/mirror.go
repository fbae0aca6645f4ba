package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"scrimbot/internal/snapshot"
)

// MirrorCmd returns the mirror command
func MirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Inspect the cached guild state",
	}
	cmd.AddCommand(mirrorShowCmd())
	return cmd
}

func mirrorShowCmd() *cobra.Command {
	var (
		cfgPath      string
		guildID      string
		onlyRoles    bool
		onlyChannels bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a guild's cached channels and roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTools(cfgPath)
			if err != nil {
				return err
			}
			defer t.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			g, hydrated, err := t.Mirror.ReadGuild(ctx, guildID)
			if err != nil {
				return err
			}
			if !hydrated {
				fmt.Fprintf(out, "guild %s: %s\n", guildID, color.New(color.FgYellow).Sprint("not hydrated"))
				return nil
			}
			fmt.Fprintf(out, "%s %s (%s)\n\n", color.New(color.Bold).Sprint("Guild"), g.Name, g.ID)

			if !onlyRoles {
				chans, _, err := t.Mirror.ReadChannels(ctx, guildID)
				if err != nil {
					return err
				}
				printChannels(out, chans)
			}
			if !onlyChannels {
				roles, _, err := t.Mirror.RolesByPosition(ctx, guildID)
				if err != nil {
					return err
				}
				printRoles(out, roles)
			}
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().StringVar(&guildID, "guild", "", "guild id")
	cmd.Flags().BoolVar(&onlyRoles, "roles", false, "only print roles")
	cmd.Flags().BoolVar(&onlyChannels, "channels", false, "only print channels")
	cmd.MarkFlagsMutuallyExclusive("roles", "channels")
	_ = cmd.MarkFlagRequired("guild")
	return cmd
}

func printChannels(w io.Writer, chans map[string]snapshot.Channel) {
	list := make([]snapshot.Channel, 0, len(chans))
	for _, c := range chans {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Position != list[j].Position {
			return list[i].Position < list[j].Position
		}
		return list[i].ID < list[j].ID
	})

	fmt.Fprintf(w, "%s (%d)\n", color.New(color.FgCyan).Sprint("Channels"), len(list))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tNAME\tPARENT")
	for _, c := range list {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", c.ID, c.Kind, c.Name, c.ParentID)
	}
	_ = tw.Flush()
	fmt.Fprintln(w)
}

func printRoles(w io.Writer, roles []snapshot.Role) {
	fmt.Fprintf(w, "%s (%d)\n", color.New(color.FgCyan).Sprint("Roles"), len(roles))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  POS\tID\tNAME\tPERMISSIONS")
	for _, r := range roles {
		name := r.Name
		if r.Managed {
			name += color.New(color.FgHiBlack).Sprint(" [managed]")
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\n", r.Position, r.ID, name, r.Permissions)
	}
	_ = tw.Flush()
}
