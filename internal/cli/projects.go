package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/codegen/pkg/archive"
	"github.com/kagent-dev/codegen/pkg/project"
	"github.com/kagent-dev/codegen/pkg/storage"
)

func newProjectsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Inspect and package materialized projects",
	}

	cmd.AddCommand(newProjectsListCmd(opts))
	cmd.AddCommand(newProjectsShowCmd(opts))
	cmd.AddCommand(newProjectsPackCmd(opts))

	return cmd
}

// openStore opens the project store without a model client; these commands
// never call the model and need no credentials.
func openStore(opts *rootOptions) (*project.Materializer, error) {
	layout, err := storage.FromConfig(opts.cfg.Storage)
	if err != nil {
		return nil, err
	}
	return project.NewMaterializer(layout), nil
}

func newProjectsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := openStore(opts)
			if err != nil {
				return err
			}
			summaries, err := projects.List(cmd.Context())
			if err != nil {
				return err
			}
			renderProjects(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
}

func newProjectsShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id> [path]",
		Short: "List a project's files, or print one of them",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := openStore(opts)
			if err != nil {
				return err
			}
			files, err := projects.Files(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 2 {
				content, ok := files[args[1]]
				if !ok {
					return fmt.Errorf("project %s has no file %s", args[0], args[1])
				}
				_, err := io.WriteString(out, content)
				return err
			}
			for _, path := range files.Keys() {
				fmt.Fprintln(out, path)
			}
			return nil
		},
	}
}

func newProjectsPackCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pack <project-id>",
		Short: "Package a project as a zip archive",
		Long: `Package a project as a zip archive in the store's archives directory. An
archive that is already current is reused. With --output the archive is also
copied to the given file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := openStore(opts)
			if err != nil {
				return err
			}
			packager := archive.NewPackager(projects)

			f, arc, err := packager.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if output != "" {
				if err := copyTo(f, output); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s revision %d: %d files, %d bytes\n",
				green("✔"), arc.ProjectID, arc.Revision, arc.Files, arc.Size)
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", displayPath(projects.Layout(), arc.Path))
			if output != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  copied to %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Also write the archive to this file")

	return cmd
}

func copyTo(src afero.File, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return dst.Close()
}

func displayPath(layout *storage.Layout, rel string) string {
	if layout.Root() == "" {
		return rel
	}
	return layout.Root() + string(os.PathSeparator) + rel
}
