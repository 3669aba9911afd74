package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kagent-dev/codegen/pkg/extract"
)

func newExtractCmd(opts *rootOptions) *cobra.Command {
	var (
		pathsOnly bool
		noRepair  bool
	)

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Recover a file mapping from raw model output",
		Long: `Run the output recovery chain over a file, or stdin when no file is given,
and print the recovered {path: content} mapping as JSON. Nothing is written
to the project store.

Examples:
  codegen extract response.txt
  pbpaste | codegen extract --paths`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			extractor := extract.New(
				extract.WithRepair(opts.cfg.Extraction.Repair && !noRepair),
				extract.WithPreviewLimit(opts.cfg.Extraction.PreviewLimit),
			)
			res, err := extractor.Extract(raw)
			if err != nil {
				printFailure(cmd.ErrOrStderr(), err)
				return err
			}

			printWarnings(cmd.ErrOrStderr(), res.Warnings)
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %d files via %s\n", green("✔"), len(res.Files), res.Strategy)

			out := cmd.OutOrStdout()
			if pathsOnly {
				for _, path := range res.Files.Keys() {
					fmt.Fprintln(out, path)
				}
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Files)
		},
	}

	cmd.Flags().BoolVar(&pathsOnly, "paths", false, "Print only the recovered file paths")
	cmd.Flags().BoolVar(&noRepair, "no-repair", false, "Disable the syntax-repair strategy")

	return cmd
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return string(data), nil
}
