package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates the sessions listing command
func newSessionsCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Long: `List sessions in the database. With --user, only that user's
sessions are shown; otherwise all sessions are listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			sessions, err := env.store.ListSessions(context.Background(), user)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(sessions)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tUSER\tSTATUS\tIMAGES\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Name, s.User, s.Status, s.ImageCount,
					s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "filter by owner")

	return cmd
}
