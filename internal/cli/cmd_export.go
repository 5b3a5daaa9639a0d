package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"curator/internal/export"
	"curator/internal/progress"
	"curator/internal/session"
	"curator/internal/util"
)

// newExportCmd creates the export command
func newExportCmd() *cobra.Command {
	var outputFile string
	var format string
	var user string

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session bundle to disk",
		Long: `Export a session as a portable bundle.

Formats:
  zip   ZIP bundle with metadata.json plus every image file (default)
  json  metadata only, no image binaries

The output filename defaults to the session name plus a timestamp.

Example:
  curator export 4f1c... -o dataset.zip
  curator export 4f1c... --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			var exportFormat session.ExportFormat
			switch format {
			case "zip":
				exportFormat = session.FormatFull
			case "json":
				exportFormat = session.FormatJSON
			default:
				return fmt.Errorf("unknown format %q (want zip or json)", format)
			}

			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			tracker := progress.NewDisplay(progress.NewMemoryTracker(), os.Stderr, quiet || jsonOut)
			exporter := export.New(env.store, env.resolver, tracker, nil, env.logger, exportOptions(env.cfg))

			sess, err := env.store.GetSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if outputFile == "" {
				outputFile = export.BundleFilename(sess, exportFormat)
			}

			if exportFormat == session.FormatJSON {
				b, err := exporter.ExportJSON(ctx, sessionID, user)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				if err := util.AtomicWriteFile(outputFile, data, 0o644); err != nil {
					return err
				}
				return printExportResult(outputFile, len(b.Images), 0)
			}

			f, err := os.Create(outputFile)
			if err != nil {
				return err
			}
			report, err := exporter.ExportArchive(ctx, sessionID, user, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				// A partial archive is useless; drop it.
				os.Remove(outputFile)
				return err
			}
			return printExportResult(outputFile, report.Processed, report.Failed)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&format, "format", "zip", "bundle format: zip or json")
	cmd.Flags().StringVar(&user, "user", "", "act as this user (default: bypass ownership checks)")

	return cmd
}

func printExportResult(path string, processed, failed int) error {
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"output":    path,
			"processed": processed,
			"failed":    failed,
		})
	}
	if quiet {
		return nil
	}
	fmt.Printf("Exported %d images to %s", processed, path)
	if failed > 0 {
		fmt.Printf(" (%d failed)", failed)
	}
	fmt.Println()
	return nil
}
