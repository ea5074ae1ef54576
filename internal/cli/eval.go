package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calder-ai/steward/pkg/evals"
)

var (
	evalSuite string
	evalCSV   string
	evalHTML  string
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run an evaluation suite against the configured agent",
	Long: `Eval loads a JSON test suite, runs every case against the agent built
from the current configuration, and prints a pass/fail summary. Results can
additionally be exported as CSV or a standalone HTML report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		suite, err := evals.LoadSuite(evalSuite)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		runner, err := evals.NewRunner(evals.RunnerConfig{
			Concurrency: cfg.Evals.Concurrency,
			CaseTimeout: time.Duration(cfg.Evals.CaseTimeoutSec) * time.Second,
			Logger:      rt.log.Zerolog(),
		})
		if err != nil {
			return err
		}

		comparison, err := runner.CompareAgents(cmd.Context(), []evals.Variant{
			{Name: cfg.LLM.Model, Agent: rt.agent},
		}, suite.Cases)
		if err != nil {
			return err
		}

		report := comparison.Reports[0]
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Suite:    %s (%d cases)\n", suite.Name, len(suite.Cases))
		fmt.Fprintf(out, "Variant:  %s\n", report.Variant)
		fmt.Fprintf(out, "Passed:   %d/%d (%.0f%%)\n", report.PassedCases, len(report.Results), report.PassRate*100)
		fmt.Fprintf(out, "Errored:  %d\n", report.ErroredCases)
		fmt.Fprintf(out, "Score:    %.2f\n", report.MeanScore)
		fmt.Fprintf(out, "Latency:  %s mean\n", report.MeanLatency.Round(time.Millisecond))

		for _, r := range report.Results {
			if r.Passed {
				continue
			}
			fmt.Fprintf(out, "  FAIL %s: %s\n", r.TestName, r.FailureReason)
		}

		if evalCSV != "" {
			if err := writeReportFile(evalCSV, comparison.WriteCSV); err != nil {
				return err
			}
			fmt.Fprintf(out, "CSV written to %s\n", evalCSV)
		}
		if evalHTML != "" {
			if err := writeReportFile(evalHTML, comparison.WriteHTML); err != nil {
				return err
			}
			fmt.Fprintf(out, "HTML report written to %s\n", evalHTML)
		}

		if report.PassedCases < len(report.Results) {
			return fmt.Errorf("%d of %d cases failed", len(report.Results)-report.PassedCases, len(report.Results))
		}
		return nil
	},
}

func writeReportFile(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	evalCmd.Flags().StringVar(&evalSuite, "suite", "", "path to the JSON test suite (required)")
	evalCmd.Flags().StringVar(&evalCSV, "csv", "", "write per-case results as CSV to this path")
	evalCmd.Flags().StringVar(&evalHTML, "html", "", "write an HTML report to this path")
	_ = evalCmd.MarkFlagRequired("suite")

	rootCmd.AddCommand(evalCmd)
}
