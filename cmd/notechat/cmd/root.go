package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/notechat/internal/config"
	"github.com/entrepeneur4lyf/notechat/internal/storage"
	"github.com/entrepeneur4lyf/notechat/internal/telemetry"
)

var (
	debug      bool
	workingDir string

	cfg     *config.Config
	paths   *storage.PathManager
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "notechat",
	Short: "Chat with your notes",
	Long: `notechat indexes a directory of notes and answers questions about them
with a language model, citing the notes it used.

Usage:
  notechat index --watch        # Keep the index in sync with the notes directory
  notechat serve                # Start the HTTP, SSE and WebSocket API
  notechat ask "question"       # Ask once from the terminal
  notechat mcp                  # Serve the notes over MCP on stdio`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(workingDir, debug)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		paths = storage.NewPathManager(cfg.Data.Directory)

		if err := setupLogging(cfg); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		statePath, err := paths.StatePath()
		if err != nil {
			return err
		}
		state, err := config.LoadState(statePath)
		if err != nil {
			log.Warn("Ignoring unreadable state file", "path", statePath, "error", err)
		} else {
			cfg.ApplyState(state)
		}
		return nil
	},
}

func init() {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&workingDir, "wd", wd, "Working directory")

	rootCmd.AddCommand(serveCmd, askCmd, indexCmd, mcpCmd, sessionsCmd, useCmd)
}

// setupLogging applies log.level and sends output to a rotated file when
// log.file is set
func setupLogging(c *config.Config) error {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	if c.Log.File == "" {
		log.SetOutput(os.Stderr)
		return nil
	}
	path := c.Log.File
	if !filepath.IsAbs(path) {
		dir, err := paths.LogsDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, path)
	}
	file := telemetry.NewRotatingFile(path)
	logFile = file
	log.SetOutput(file)
	log.SetFormatter(log.LogfmtFormatter)
	return nil
}

// Execute runs the root command
func Execute() {
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
