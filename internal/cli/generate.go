package cli

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/codegen/pkg/generator"
	"github.com/kagent-dev/codegen/pkg/server"
)

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		conversationID string
		jsonOutput     bool
		quiet          bool
	)

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate a project from a prompt",
		Long: `Generate a new project from a prompt and write it to the project store.

Examples:
  codegen generate "a todo app in plain javascript"
  codegen generate --conversation 4f1c... "now the same in typescript"
  codegen generate --json "a python cli" > result.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := server.NewApp(cmd.Context(), opts.cfg, server.WithLogger(opts.log))
			if err != nil {
				return err
			}
			defer app.Close()

			stop := startSpinner(quiet || jsonOutput, " Waiting for "+app.Model.ModelName()+"...")
			res, err := app.Generator.Generate(cmd.Context(), generator.Request{
				Prompt:         strings.Join(args, " "),
				ConversationID: conversationID,
			})
			stop()

			if err != nil {
				printFailure(cmd.ErrOrStderr(), err)
				if res != nil {
					printResult(cmd.ErrOrStderr(), res)
				}
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a progress spinner")

	return cmd
}

// startSpinner shows a spinner on stderr and returns the func that stops it.
func startSpinner(disabled bool, suffix string) func() {
	if disabled {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = suffix
	s.Start()
	return s.Stop
}
