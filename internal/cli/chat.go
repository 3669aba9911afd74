package cli

import (
	"fmt"
	"strings"

	"github.com/abiosoft/ishell/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kagent-dev/codegen/pkg/generator"
	"github.com/kagent-dev/codegen/pkg/server"
)

// chatState is the conversation and project an interactive session works on.
type chatState struct {
	conversationID string
	projectID      string
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	state := &chatState{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Build a project over several conversational turns",
		Long: `Start an interactive shell. Every line you type is sent to the model as the
next turn; the files it returns are upserted into the current project.

Shell commands:
  files         list the files of the current project
  pack          package the current project as a zip archive
  new           start a new conversation and project
  status        show the current conversation and project
  exit          leave the shell`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := server.NewApp(cmd.Context(), opts.cfg, server.WithLogger(opts.log))
			if err != nil {
				return err
			}
			defer app.Close()

			if state.conversationID == "" {
				state.conversationID = uuid.New().String()
			}
			shell := newChatShell(cmd, app, state)
			shell.Println(fmt.Sprintf("Chatting with %s. Conversation %s.", app.Model.ModelName(), state.conversationID))
			shell.Run()
			return nil
		},
	}

	cmd.Flags().StringVar(&state.conversationID, "conversation", "", "Resume an existing conversation")
	cmd.Flags().StringVar(&state.projectID, "project", "", "Upsert into an existing project")

	return cmd
}

func newChatShell(cmd *cobra.Command, app *server.App, state *chatState) *ishell.Shell {
	ctx := cmd.Context()
	shell := ishell.New()
	shell.SetPrompt("codegen> ")

	shell.AddCmd(&ishell.Cmd{
		Name: "files",
		Help: "list the files of the current project",
		Func: func(c *ishell.Context) {
			if state.projectID == "" {
				c.Println("No project yet.")
				return
			}
			files, err := app.Projects.Files(ctx, state.projectID)
			if err != nil {
				printFailure(shellWriter{c}, err)
				return
			}
			for _, path := range files.Keys() {
				c.Println("  " + path)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "pack",
		Help: "package the current project",
		Func: func(c *ishell.Context) {
			if state.projectID == "" {
				c.Println("No project yet.")
				return
			}
			archive, err := app.Packager.Pack(ctx, state.projectID)
			if err != nil {
				printFailure(shellWriter{c}, err)
				return
			}
			c.Printf("%s %s (%d files, %d bytes)\n", green("✔"), archive.Path, archive.Files, archive.Size)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "new",
		Help: "start a new conversation and project",
		Func: func(c *ishell.Context) {
			state.conversationID = uuid.New().String()
			state.projectID = ""
			c.Println("Conversation " + state.conversationID)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show the current conversation and project",
		Func: func(c *ishell.Context) {
			c.Println("conversation: " + state.conversationID)
			c.Println("project:      " + state.projectID)
		},
	})

	shell.NotFound(func(c *ishell.Context) {
		prompt := strings.TrimSpace(strings.Join(c.RawArgs, " "))
		if prompt == "" {
			return
		}

		stop := startSpinner(false, " Thinking...")
		res, err := app.Generator.Chat(ctx, generator.Request{
			Prompt:         prompt,
			ConversationID: state.conversationID,
			ProjectID:      state.projectID,
		})
		stop()

		if res != nil {
			state.projectID = res.ProjectID
			printResult(shellWriter{c}, res)
		}
		if err != nil {
			printFailure(shellWriter{c}, err)
		}
	})

	return shell
}

// shellWriter adapts an ishell context to io.Writer.
type shellWriter struct {
	c *ishell.Context
}

func (w shellWriter) Write(p []byte) (int, error) {
	w.c.Print(string(p))
	return len(p), nil
}
