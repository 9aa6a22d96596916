package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/notechat/internal/config"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/providers"
)

var useCmd = &cobra.Command{
	Use:   "use [provider] [model]",
	Short: "Choose the chat provider and model",
	Long: `Persist the provider and model used for new turns. Without arguments the
current choice is printed. The model defaults to the provider's default.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		statePath, err := paths.StatePath()
		if err != nil {
			return err
		}
		state, err := config.LoadState(statePath)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), state.Display())
			return nil
		}

		provider, err := llm.ParseProviderType(args[0])
		if err != nil {
			return err
		}
		model := providers.DefaultModel(provider)
		if len(args) == 2 {
			model = args[1]
		}
		if err := state.UpdateModel(statePath, string(provider), model); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "now using", state.Display())
		return nil
	},
}
