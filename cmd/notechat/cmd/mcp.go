package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/notechat/internal/mcp"
)

var (
	mcpTransport string
	mcpAddr      string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the notes over the Model Context Protocol",
	Long: `Expose note search, note resources and question answering to MCP
clients. The stdio transport writes protocol messages to stdout, so logs
go to stderr or log.file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(cmd.Context(), func(ctx context.Context, a *application) error {
			serverCfg := mcp.Config{
				Searcher: a.retrieval,
				Notes:    a.index,
				Index:    a.index,
			}
			if a.chat.Available() {
				serverCfg.Chat = a.chat
			}
			server := mcp.NewNoteServer(serverCfg)

			log.Info("Starting MCP server", "transport", mcpTransport)
			switch mcpTransport {
			case "stdio":
				return server.ServeStdio()
			case "sse":
				return server.ServeSSE(mcpAddr)
			default:
				return fmt.Errorf("unknown transport type: %s", mcpTransport)
			}
		})
	},
}

func init() {
	mcpCmd.Flags().StringVarP(&mcpTransport, "transport", "t", "stdio", "Transport type (stdio, sse)")
	mcpCmd.Flags().StringVarP(&mcpAddr, "addr", "a", ":8081", "Address for the SSE transport")
}
