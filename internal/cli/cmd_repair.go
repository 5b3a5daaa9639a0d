package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRepairCmd creates the repair command
func newRepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Heal stored image paths",
		Long: `Scan every image record, locate its file on disk, and rewrite stored
paths to the canonical layout. Files found in legacy locations are
copied into place; the originals are left untouched.

Run this after moving a data directory between machines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			report, err := env.resolver.RepairAll(context.Background())
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(report)
			}
			if !quiet {
				fmt.Printf("Scanned %d sessions, %d images\n", report.SessionsScanned, report.ImagesScanned)
				fmt.Printf("Healed %d paths, copied %d files, %d missing\n",
					report.Healed, report.Copied, report.Missing)
				for _, e := range report.Errors {
					fmt.Fprintf(os.Stderr, "warning: %s\n", e)
				}
			}
			if report.Missing > 0 {
				return fmt.Errorf("%d image files could not be located", report.Missing)
			}
			return nil
		},
	}
	return cmd
}
