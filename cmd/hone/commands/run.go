package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/hone/ai/provider"
	"github.com/teranos/hone/config"
	"github.com/teranos/hone/dataset"
	"github.com/teranos/hone/db"
	"github.com/teranos/hone/errors"
	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/pipeline"
	"github.com/teranos/hone/store"
)

// RunCmd runs one optimization from the command line
var RunCmd = &cobra.Command{
	Use:   "run <csv-file>",
	Short: "Run one prompt optimization from the command line",
	Long: `Run a prompt optimization against a CSV dataset and print progress as
it goes. The run is persisted like any run launched through the web UI, so
'hone runs show' and the web UI can inspect it afterwards.

The prompt template references dataset columns as {column}. The expected
column holds the answers the outputs are judged against and must not
appear in the template.

Examples:
  hone run cases.csv --prompt "Answer the question: {question}" --expected-column answer
  hone run cases.csv --prompt "Classify: {text}" --expected-column label --max-iterations 5
  hone run cases.csv --prompt "..." --expected-column answer --feedback`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runPrompt         string
	runExpectedColumn string
	runName           string
	runConfigJSON     string
	runProvider       string
	runModel          string
	runMaxIterations  int
	runTargetScore    float64
	runFeedback       bool
)

func init() {
	RunCmd.Flags().StringVar(&runPrompt, "prompt", "", "Initial prompt template (required)")
	RunCmd.Flags().StringVar(&runExpectedColumn, "expected-column", "", "Dataset column holding expected outputs (required)")
	RunCmd.Flags().StringVar(&runName, "name", "", "Run name (default: dataset filename)")
	RunCmd.Flags().StringVar(&runConfigJSON, "config", "", "Run config as JSON (same shape the API accepts)")
	RunCmd.Flags().StringVar(&runProvider, "provider", "", "Provider for the test stage (openai, anthropic)")
	RunCmd.Flags().StringVar(&runModel, "model", "", "Model for the test stage")
	RunCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Iteration cap (overrides config)")
	RunCmd.Flags().Float64Var(&runTargetScore, "target-score", 0, "Stop once the average score reaches this (overrides config)")
	RunCmd.Flags().BoolVar(&runFeedback, "feedback", false, "Pause after each iteration summary for feedback on stdin")

	RunCmd.MarkFlagRequired("prompt")
	RunCmd.MarkFlagRequired("expected-column")
}

func runRun(cmd *cobra.Command, args []string) error {
	csvPath := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	content, err := os.ReadFile(csvPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", csvPath)
	}
	ds, err := dataset.Parse(content, filepath.Base(csvPath))
	if err != nil {
		return err
	}

	if !ds.HasColumn(runExpectedColumn) {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"expected column %q not found in CSV (available: %s)",
			runExpectedColumn, strings.Join(ds.Columns, ", "))
	}
	inputColumns := make([]string, 0, len(ds.Columns)-1)
	for _, col := range ds.Columns {
		if col != runExpectedColumn {
			inputColumns = append(inputColumns, col)
		}
	}
	if missing := dataset.MissingColumns(runPrompt, inputColumns); len(missing) > 0 {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"prompt references columns not in CSV: %s (available: %s)",
			strings.Join(missing, ", "), strings.Join(inputColumns, ", "))
	}

	runCfg, err := buildRunConfig(cmd, cfg)
	if err != nil {
		return err
	}

	name := runName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))
	}

	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	st := store.NewStore(database)
	notifier := pipeline.NewNotifier(logger.Logger)
	registry := provider.NewRegistry(cfg, logger.ComponentLogger("ai"))
	images := dataset.NewImageLoader(logger.Logger)
	runner := pipeline.NewRunner(st, notifier, registry, images, logger.ComponentLogger("pipeline.runner"))

	cfgJSON, err := json.Marshal(runCfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode run config")
	}
	run := &store.Run{
		ID:              store.NewRunID(),
		Name:            name,
		InitialPrompt:   runPrompt,
		Config:          cfgJSON,
		DatasetFilename: ds.Filename,
		DatasetColumns:  ds.Columns,
	}
	ctx := context.Background()
	if err := st.CreateRun(ctx, run); err != nil {
		return errors.Wrap(err, "failed to create run")
	}

	// Subscribe before launching so the first stage_start is not missed.
	events, cancelSub := notifier.Subscribe(run.ID)
	defer cancelSub()

	if err := runner.Start(pipeline.Run{
		ID:             run.ID,
		Name:           run.Name,
		InitialPrompt:  run.InitialPrompt,
		ExpectedColumn: runExpectedColumn,
		Config:         runCfg,
		Dataset:        ds,
	}); err != nil {
		return errors.Wrap(err, "failed to launch run")
	}

	fmt.Printf("Run %s started: %d rows, max %d iterations, target score %.2f\n",
		run.ID, len(ds.Rows), runCfg.MaxIterations, runCfg.TargetScore)

	status := watchRun(run.ID, events, runner)
	return report(ctx, st, run.ID, status)
}

// buildRunConfig layers the CLI flags over the --config JSON over the
// configured pipeline defaults, then revalidates the result.
func buildRunConfig(cmd *cobra.Command, cfg *config.Config) (pipeline.RunConfig, error) {
	runCfg, err := pipeline.ParseRunConfig([]byte(runConfigJSON), cfg.Pipeline)
	if err != nil {
		return pipeline.RunConfig{}, err
	}

	if runProvider != "" {
		runCfg.ModelProvider = runProvider
	}
	if runModel != "" {
		runCfg.Model = runModel
	}
	if cmd.Flags().Changed("max-iterations") {
		runCfg.MaxIterations = runMaxIterations
	}
	if cmd.Flags().Changed("target-score") {
		runCfg.TargetScore = runTargetScore
	}
	if runFeedback {
		runCfg.HumanFeedbackEnabled = true
	}

	if err := runCfg.Validate(); err != nil {
		return pipeline.RunConfig{}, err
	}
	return runCfg, nil
}

// watchRun prints run events until a terminal one arrives and returns
// the terminal event type. The first interrupt requests a graceful stop,
// the second cancels outstanding model calls.
func watchRun(runID string, events <-chan pipeline.Event, runner *pipeline.Runner) string {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	stdin := bufio.NewReader(os.Stdin)
	stopRequested := false

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return pipeline.EventStopped
			}
			printEvent(ev, stdin, runID, runner)
			if ev.Terminal() {
				return ev.Type
			}

		case <-sigChan:
			if !stopRequested {
				stopRequested = true
				fmt.Println("\nStopping after the current stage (press Ctrl+C again to abort)...")
				runner.RequestStop(runID)
				continue
			}
			fmt.Fprintln(os.Stderr, "\nAborting run")
			runner.Cancel(runID)
		}
	}
}

func printEvent(ev pipeline.Event, stdin *bufio.Reader, runID string, runner *pipeline.Runner) {
	switch ev.Type {
	case pipeline.EventStageStart:
		fmt.Printf("  [iteration %d] %s\n", asInt(ev.Data["iteration"]), ev.Data["stage"])

	case pipeline.EventTestProgress:
		completed, total := asInt(ev.Data["completed"]), asInt(ev.Data["total"])
		fmt.Printf("\r    tested %d/%d rows", completed, total)
		if completed >= total {
			fmt.Println()
		}

	case pipeline.EventIterationComplete:
		fmt.Printf("  [iteration %d] avg score %.3f (best %.3f)\n",
			asInt(ev.Data["iteration"]), asFloat(ev.Data["avg_score"]), asFloat(ev.Data["best_score"]))

	case pipeline.EventFeedbackRequested:
		printSummary(ev.Data["summary"])
		fmt.Print("Feedback for the next iteration (blank to continue): ")
		line, err := stdin.ReadString('\n')
		if err != nil {
			line = ""
		}
		if err := runner.SubmitFeedback(runID, strings.TrimSpace(line)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to submit feedback: %v\n", err)
		}
	}
}

func printSummary(v interface{}) {
	summary, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	if text, ok := summary["summary"].(string); ok && text != "" {
		fmt.Printf("\n%s\n", text)
	}
	if patterns, ok := summary["failure_patterns"].([]string); ok && len(patterns) > 0 {
		fmt.Println("Failure patterns:")
		for _, p := range patterns {
			fmt.Printf("  - %s\n", p)
		}
	}
}

// report prints the run's terminal state from the store and returns an
// error for failed runs so the process exits non-zero.
func report(ctx context.Context, st *store.Store, runID, status string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return errors.Wrap(err, "failed to load finished run")
	}

	switch status {
	case pipeline.EventFailed:
		return errors.Newf("run failed: %s", run.ErrorMessage)

	case pipeline.EventStopped:
		fmt.Printf("\nRun stopped after %d iteration(s)\n", run.TotalIterations)

	default:
		fmt.Printf("\nOptimization finished: %d iteration(s)", run.TotalIterations)
		if run.BestScore != nil {
			fmt.Printf(", best score %.3f", *run.BestScore)
		}
		fmt.Println()
	}

	if run.BestPrompt != "" {
		fmt.Printf("\nBest prompt:\n%s\n", run.BestPrompt)
	}
	fmt.Printf("\nInspect with: hone runs show %s\n", run.ID)
	return nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
