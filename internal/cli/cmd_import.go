package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"curator/internal/importer"
	"curator/internal/progress"
	"curator/internal/storage"
)

// newImportCmd creates the import command
func newImportCmd() *cobra.Command {
	var mode string
	var target string
	var onDuplicate string
	var preserveIDs bool
	var user string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a session bundle",
		Long: `Import a bundle previously produced by export.

Accepts a ZIP bundle (metadata plus images) or a bare metadata JSON
file. By default a fresh session is created; --into merges records
into an existing session instead.

Duplicate handling (merge mode): skip (default), replace, or rename.

Example:
  curator import dataset.zip
  curator import dataset.zip --into 4f1c... --on-duplicate rename`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			opts := importer.Options{
				DuplicateStrategy: importer.DuplicateStrategy(onDuplicate),
				PreserveIDs:       preserveIDs,
			}
			switch mode {
			case "new":
				opts.Mode = importer.ModeNew
			case "merge":
				opts.Mode = importer.ModeMerge
				opts.TargetSessionID = target
			default:
				return fmt.Errorf("unknown mode %q (want new or merge)", mode)
			}
			if target != "" {
				opts.Mode = importer.ModeMerge
				opts.TargetSessionID = target
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			tracker := progress.NewDisplay(progress.NewMemoryTracker(), os.Stderr, quiet || jsonOut)
			imp := importer.New(env.store, env.resolver, storage.NewSessionLocker(), tracker, env.logger)

			result, err := imp.Import(context.Background(), filepath.Base(path), data, opts, user)
			if err != nil {
				return err
			}
			return printImportResult(result)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "new", "import mode: new or merge")
	cmd.Flags().StringVar(&target, "into", "", "merge into this session (implies --mode merge)")
	cmd.Flags().StringVar(&onDuplicate, "on-duplicate", "skip", "duplicate strategy: skip, replace, or rename")
	cmd.Flags().BoolVar(&preserveIDs, "preserve-ids", false, "keep image record IDs from the bundle")
	cmd.Flags().StringVar(&user, "user", "", "act as this user (default: operator, bypasses ownership checks)")

	return cmd
}

func printImportResult(result *importer.Result) error {
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	if !quiet {
		fmt.Printf("Imported %d images into session %s (%d skipped)\n",
			result.Imported, result.SessionID, result.Skipped)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "warning: %s\n", e)
		}
	}
	if !result.Success {
		return fmt.Errorf("import did not complete cleanly")
	}
	return nil
}
