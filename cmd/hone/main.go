package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/hone/cmd/hone/commands"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
	_ "go.uber.org/automaxprocs"
)

var rootCmd = &cobra.Command{
	Use:   "hone",
	Short: "Hone - Iterative LLM prompt optimization",
	Long: `Hone - Iterative LLM prompt optimization against your own data.

Hone runs a prompt template over a CSV dataset, scores every output with an
LLM judge, summarizes what went wrong, and rewrites the prompt, repeating
until the target score is reached or scores stop improving.

Available commands:
  serve   - Start the hone server (web UI, API, live progress)
  run     - Run one optimization from the command line
  runs    - Inspect stored optimization runs
  config  - Show and validate hone configuration
  version - Show version information

Examples:
  hone serve                                  # Start the server on the configured port
  hone run cases.csv --prompt "Answer: {question}" --expected-column answer
  hone runs list                              # List stored runs
  hone config show                            # Show effective configuration`,
	// Errors print once in main, followed by their hints.
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeAtLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "More detailed output, repeatable (-v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}
