// Package cli implements the codegen command tree.
package cli

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kagent-dev/codegen/pkg/config"
	"github.com/kagent-dev/codegen/pkg/logging"
)

// rootOptions is shared by every subcommand. It is filled in by the root's
// PersistentPreRunE before any subcommand runs.
type rootOptions struct {
	configPath string
	logLevel   string
	noColor    bool

	cfg   *config.Config
	log   logr.Logger
	flush func()
}

// NewRootCmd creates the codegen root command
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{log: logr.Discard(), flush: func() {}}

	cmd := &cobra.Command{
		Use:   "codegen",
		Short: "Generate multi-file projects from natural-language prompts",
		Long: `codegen asks a text-generation model for a project encoded as one JSON
object, recovers that object from whatever the model actually returned, and
writes it into an addressable project store.

Configuration is read from an optional yaml file (--config) and from
CODEGEN_* environment variables, e.g. CODEGEN_MODEL_PROVIDER=openai.

Examples:
  codegen serve --port 8080
  codegen generate "a landing page for a bakery"
  codegen chat --project project_1718000000000
  codegen extract model-output.txt
  codegen projects list`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			opts.flush()
		},
	}

	opts.bindFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newGenerateCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newExtractCmd(opts))
	cmd.AddCommand(newProjectsCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))

	return cmd
}

func (o *rootOptions) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "Path to a yaml configuration file")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
	fs.BoolVar(&o.noColor, "no-color", false, "Disable colored output")
}

func (o *rootOptions) init(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, flush, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return err
	}

	o.cfg, o.log, o.flush = cfg, log, flush
	setColor(!o.noColor)
	cmd.SetContext(logging.IntoContext(cmd.Context(), log))
	return nil
}
