package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
	"github.com/entrepeneur4lyf/notechat/internal/markdown"
	"github.com/entrepeneur4lyf/notechat/internal/session"
)

var (
	askSession     string
	askNote        string
	askStream      bool
	askThinking    bool
	askRaw         bool
	askNoRetrieval bool
)

var (
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	thinkingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about your notes",
	Long: `Ask a question and print the answer with the notes it cites.

The question may also be piped on stdin. Pass --session to continue an
earlier conversation; the id of a new session is printed to stderr.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		question, err := readQuestion(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return withApplication(ctx, func(ctx context.Context, a *application) error {
			sessionID, err := resolveSession(ctx, a)
			if err != nil {
				return err
			}
			req := chat.Request{
				SessionID:    sessionID,
				Content:      question,
				UseRetrieval: !askNoRetrieval,
				ShowThinking: askThinking,
			}
			out := cmd.OutOrStdout()
			if askStream {
				return streamAnswer(ctx, a, req, out, cmd.ErrOrStderr())
			}
			return printAnswer(ctx, a, req, out)
		})
	},
}

func init() {
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "Continue an existing session")
	askCmd.Flags().StringVarP(&askNote, "note", "n", "", "Scope retrieval to a note and its descendants")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "Print the answer as it is generated")
	askCmd.Flags().BoolVar(&askThinking, "thinking", false, "Show the model's reasoning")
	askCmd.Flags().BoolVar(&askRaw, "raw", false, "Print markdown without terminal rendering")
	askCmd.Flags().BoolVar(&askNoRetrieval, "no-retrieval", false, "Answer without searching the notes")
}

func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok {
		if stat, err := f.Stat(); err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", errors.New("no question given")
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	question := strings.TrimSpace(string(data))
	if question == "" {
		return "", errors.New("no question given")
	}
	return question, nil
}

func resolveSession(ctx context.Context, a *application) (string, error) {
	if askSession != "" {
		sess, err := a.chat.GetSession(ctx, askSession)
		if err != nil {
			return "", err
		}
		if askNote != "" && askNote != sess.ContextNoteID {
			note := askNote
			if _, err := a.chat.UpdateSession(ctx, sess.ID, chat.SessionUpdate{ContextNoteID: &note}); err != nil {
				return "", err
			}
		}
		return sess.ID, nil
	}
	sess, err := a.chat.CreateSession(ctx, session.CreateParams{ContextNoteID: askNote})
	if err != nil {
		return "", err
	}
	fmt.Fprintln(os.Stderr, toolStyle.Render("session "+sess.ID))
	return sess.ID, nil
}

func printAnswer(ctx context.Context, a *application, req chat.Request, out io.Writer) error {
	reply, err := a.chat.Send(ctx, req)
	if err != nil {
		return errors.New(chat.ErrorMessage(err))
	}
	if askThinking && reply.Thinking != "" {
		fmt.Fprintln(out, thinkingStyle.Render(reply.Thinking))
		fmt.Fprintln(out)
	}

	var renderer *markdown.Renderer
	if !askRaw {
		if renderer, err = markdown.NewRenderer(markdown.DefaultWidth); err != nil {
			renderer = nil
		}
	}
	return markdown.NewPrinter(out, renderer).Print(reply)
}

func streamAnswer(ctx context.Context, a *application, req chat.Request, out, errOut io.Writer) error {
	tr, err := a.chat.Stream(ctx, req)
	if err != nil {
		return errors.New(chat.ErrorMessage(err))
	}
	defer tr.Close()

	for chunk := range tr.Chunks() {
		switch {
		case chunk.Done:
			fmt.Fprintln(out)
			// errors are returned by Wait
			if footer := markdown.FormatAnswer("", chunk.Sources, chunk.Truncated); footer != "" {
				fmt.Fprintln(out, footer)
			}
		case chunk.ToolExecution != nil:
			ev := chunk.ToolExecution
			line := fmt.Sprintf("[%s %s]", ev.Action, ev.Tool)
			if ev.Error != "" {
				line += " " + ev.Error
			}
			fmt.Fprintln(errOut, toolStyle.Render(line))
		case chunk.Thinking != "":
			fmt.Fprint(errOut, thinkingStyle.Render(chunk.Thinking))
		default:
			fmt.Fprint(out, chunk.Content)
		}
	}
	_, err = tr.Wait()
	if err != nil && ctx.Err() == nil {
		return errors.New(chat.ErrorMessage(err))
	}
	return nil
}
