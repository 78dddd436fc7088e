package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/hone/config"
	"github.com/teranos/hone/db"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/store"
)

// RunsCmd represents the runs command
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored optimization runs",
	Long: `Inspect optimization runs stored in the hone database.

Examples:
  hone runs list                  # List stored runs, newest first
  hone runs list --status running # List only running runs
  hone runs show run_a1b2c3d4     # Show one run in detail`,
}

var runsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored optimization runs",
	Long:    "List optimization runs stored in the hone database, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runRunsList(statusFilter, limit)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run in detail",
	Long:  "Show a stored run's configuration, iteration progress, best prompt, and token usage.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRunsShow(args[0])
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed, stopped)")
	runsListCmd.Flags().Int("limit", 20, "Maximum number of runs to display")

	RunsCmd.AddCommand(runsListCmd)
	RunsCmd.AddCommand(runsShowCmd)
}

func runRunsList(statusFilter string, limit int) error {
	st, database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()

	// Status filtering happens after the query, so fetch everything and
	// apply the limit to the filtered rows.
	fetchLimit := limit
	if statusFilter != "" {
		fetchLimit = 0
	}
	runs, err := st.ListRuns(ctx, fetchLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if statusFilter != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if run.Status == statusFilter {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
		if limit > 0 && len(runs) > limit {
			runs = runs[:limit]
		}
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-14s %-11s %-30s %-7s %-6s %s\n", "RUN ID", "STATUS", "NAME", "SCORE", "ITERS", "CREATED")
	fmt.Printf("%-14s %-11s %-30s %-7s %-6s %s\n", "------", "------", "----", "-----", "-----", "-------")

	for _, run := range runs {
		score := "-"
		if run.BestScore != nil {
			score = fmt.Sprintf("%.2f", *run.BestScore)
		}
		fmt.Printf("%-14s %-11s %-30s %-7s %-6d %s\n",
			run.ID,
			run.Status,
			truncate(run.Name, 30),
			score,
			run.TotalIterations,
			run.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d run(s)\n", len(runs))
	return nil
}

func runRunsShow(runID string) error {
	st, database, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	fmt.Printf("Run ID: %s\n", run.ID)
	fmt.Printf("  Name: %s\n", run.Name)
	fmt.Printf("  Status: %s\n", run.Status)
	fmt.Printf("  Dataset: %s (%s)\n", run.DatasetFilename, strings.Join(run.DatasetColumns, ", "))
	fmt.Printf("\n")

	fmt.Printf("Iterations completed: %d\n", run.TotalIterations)
	if run.BestScore != nil {
		fmt.Printf("Best score: %.3f\n", *run.BestScore)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", run.ErrorMessage)
	}
	fmt.Printf("\n")

	iterations, err := st.ListIterations(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list iterations: %w", err)
	}
	for _, iter := range iterations {
		score := "-"
		if iter.AvgScore != nil {
			score = fmt.Sprintf("%.3f", *iter.AvgScore)
		}
		fmt.Printf("  Iteration %d: avg %s\n", iter.IterationNum, score)
	}
	if len(iterations) > 0 {
		fmt.Printf("\n")
	}

	usage, err := st.GetRunUsage(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to get run usage: %w", err)
	}
	for _, u := range usage {
		fmt.Printf("Usage: %s/%s: %d calls, %d prompt + %d completion tokens ($%.4f)\n",
			u.Provider, u.Model, u.Calls,
			u.Usage.PromptTokens, u.Usage.CompletionTokens, u.Cost)
	}
	if len(usage) > 0 {
		fmt.Printf("\n")
	}

	if run.BestPrompt != "" {
		fmt.Printf("Best prompt:\n%s\n", run.BestPrompt)
	} else {
		fmt.Printf("Initial prompt:\n%s\n", run.InitialPrompt)
	}

	fmt.Printf("\nCreated: %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", run.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// openStore opens the configured database and wraps it in a run store.
// The caller closes the returned database handle.
func openStore() (*store.Store, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Open(cfg.GetDatabasePath(), logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store.NewStore(database), database, nil
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
