package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/notechat/internal/notes"
)

var (
	indexWatch    bool
	indexDebounce time.Duration
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the notes directory",
	Long: `Scan notes.directory (or the working directory) and embed every new or
changed note. Notes whose files were removed are dropped from the index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApplication(ctx, func(ctx context.Context, a *application) error {
			loader, err := a.newLoader()
			if err != nil {
				return err
			}
			res, err := loader.Index(ctx)
			if err != nil {
				return err
			}
			printIndexResult(cmd, res)
			if !indexWatch {
				return nil
			}

			watcher, err := notes.NewWatcher(loader,
				notes.WithDebounce(indexDebounce),
				notes.OnIndexed(func(r *notes.Result) { printIndexResult(cmd, r) }),
			)
			if err != nil {
				return err
			}
			return watcher.Run(ctx)
		})
	},
}

func init() {
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "Keep watching for changes")
	indexCmd.Flags().DurationVar(&indexDebounce, "debounce", 500*time.Millisecond, "How long changes must settle before reindexing")
}

func printIndexResult(cmd *cobra.Command, r *notes.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d, unchanged %d, removed %d, failed %d (%s)\n",
		r.Indexed, r.Skipped, r.Removed, r.Failed, r.Duration.Round(time.Millisecond))
}
