package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/filemap"
	"github.com/kagent-dev/codegen/pkg/generator"
	"github.com/kagent-dev/codegen/pkg/project"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func setColor(enabled bool) {
	if !enabled {
		color.NoColor = true
	}
}

func printWarnings(w io.Writer, warnings []filemap.Warning) {
	for _, warning := range warnings {
		fmt.Fprintf(w, "%s %s\n", yellow("warning:"), warning.String())
	}
}

// printFailure writes a one-line description of err, plus its code and any
// preview, to w.
func printFailure(w io.Writer, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		fmt.Fprintf(w, "%s %v\n", red("error:"), err)
		return
	}
	fmt.Fprintf(w, "%s %s %s\n", red("error:"), appErr.Message, gray("["+appErr.Code+"]"))
	if preview, ok := appErr.Details["preview"].(string); ok && preview != "" {
		fmt.Fprintf(w, "%s\n%s\n", gray("model output preview:"), preview)
	}
	if appErr.Cause != nil {
		fmt.Fprintf(w, "%s %v\n", gray("cause:"), appErr.Cause)
	}
}

func printResult(w io.Writer, res *generator.Result) {
	fmt.Fprintf(w, "%s project %s (%d files, strategy %s)\n",
		green("✔"), bold(res.ProjectID), res.FileCount, res.Strategy)
	fmt.Fprintf(w, "  conversation: %s\n", res.ConversationID)
	for _, path := range res.Files.Keys() {
		fmt.Fprintf(w, "  %s\n", path)
	}
	if res.Archive != nil {
		fmt.Fprintf(w, "  archive: %s (%d bytes)\n", res.Archive.Path, res.Archive.Size)
	}
	printWarnings(w, res.Warnings)
	for _, failed := range res.Failed {
		fmt.Fprintf(w, "%s %s\n", red("failed:"), failed.Error())
	}
}

func renderProjects(w io.Writer, summaries []project.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Project", "Files", "Revision", "Created", "Updated"})
	for _, s := range summaries {
		t.AppendRow(table.Row{
			s.ProjectID,
			s.FileCount,
			s.Revision,
			s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"Total", len(summaries), "", "", ""})
	t.Render()
}
