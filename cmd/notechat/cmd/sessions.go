package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/notechat/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), func(ctx context.Context, a *application) error {
			summaries, err := a.chat.ListSessions(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("No sessions yet"))
				return nil
			}
			fmt.Fprintln(out, headerStyle.Render("Sessions"))
			for _, s := range summaries {
				fmt.Fprintln(out, formatSummary(s))
			}
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), func(ctx context.Context, a *application) error {
			for _, id := range args {
				if err := a.chat.DeleteSession(ctx, id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", idStyle.Render(id))
			}
			return nil
		})
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
}

func formatSummary(s session.Summary) string {
	return fmt.Sprintf("%s  %-30s %s",
		idStyle.Render(s.ID),
		s.Title,
		mutedStyle.Render(fmt.Sprintf("%d messages, active %s", s.MessageCount, s.LastActiveAt.Local().Format(time.DateTime))),
	)
}
