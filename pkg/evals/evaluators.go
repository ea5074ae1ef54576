package evals

import (
	"fmt"
	"strings"
)

// PassThreshold is the minimum combined score for a run to count as passed.
const PassThreshold = 0.7

// Evaluator scores a captured transcript against a test case's expectations.
// Score is in [0, 1]; failures explain any deduction.
type Evaluator interface {
	Name() string
	Evaluate(tc *TestCase, tr *Transcript) (score float64, failures []string)
}

// DefaultEvaluators returns the standard evaluator set: trajectory shape,
// output content, and efficiency thresholds.
func DefaultEvaluators() []Evaluator {
	return []Evaluator{
		&TrajectoryEvaluator{},
		&OutputEvaluator{},
		&EfficiencyEvaluator{},
	}
}

// TrajectoryEvaluator checks the shape of the run: which tools were used,
// how many tool results were produced, and how many carried UI components.
// Each missed expectation deducts an equal share of half the score, so a
// partially-correct trajectory still scores above zero.
type TrajectoryEvaluator struct{}

func (e *TrajectoryEvaluator) Name() string { return "trajectory" }

func (e *TrajectoryEvaluator) Evaluate(tc *TestCase, tr *Transcript) (float64, []string) {
	checks := len(tc.Expect.ExpectedTools)
	if tc.Expect.MinToolResults > 0 {
		checks++
	}
	if tc.Expect.MinComponents > 0 {
		checks++
	}
	if checks == 0 {
		return 1.0, nil
	}

	score := 1.0
	var failures []string
	deduction := 0.5 / float64(checks)

	for _, name := range tc.Expect.ExpectedTools {
		if !tr.usedTool(name) {
			score -= deduction
			failures = append(failures, fmt.Sprintf("expected tool not used: %q", name))
		}
	}

	if tc.Expect.MinToolResults > 0 && tr.ToolResultCount < tc.Expect.MinToolResults {
		score -= deduction
		failures = append(failures, fmt.Sprintf("got %d tool results, want at least %d", tr.ToolResultCount, tc.Expect.MinToolResults))
	}

	if tc.Expect.MinComponents > 0 && tr.ComponentCount < tc.Expect.MinComponents {
		score -= deduction
		failures = append(failures, fmt.Sprintf("got %d UI components, want at least %d", tr.ComponentCount, tc.Expect.MinComponents))
	}

	return score, failures
}

// OutputEvaluator checks the final assistant output for required and
// forbidden substrings.
type OutputEvaluator struct{}

func (e *OutputEvaluator) Name() string { return "output" }

func (e *OutputEvaluator) Evaluate(tc *TestCase, tr *Transcript) (float64, []string) {
	checks := len(tc.Expect.OutputContains) + len(tc.Expect.OutputNotContains)
	if checks == 0 {
		return 1.0, nil
	}

	score := 1.0
	var failures []string
	deduction := 0.5 / float64(checks)

	for _, want := range tc.Expect.OutputContains {
		if !strings.Contains(tr.FinalOutput, want) {
			score -= deduction
			failures = append(failures, fmt.Sprintf("output does not contain: %q", want))
		}
	}

	for _, forbidden := range tc.Expect.OutputNotContains {
		if strings.Contains(tr.FinalOutput, forbidden) {
			score -= deduction
			failures = append(failures, fmt.Sprintf("output should not contain: %q", forbidden))
		}
	}

	return score, failures
}

// EfficiencyEvaluator checks wall-clock latency against the test case's
// budget. A run over budget fails the evaluator outright.
type EfficiencyEvaluator struct{}

func (e *EfficiencyEvaluator) Name() string { return "efficiency" }

func (e *EfficiencyEvaluator) Evaluate(tc *TestCase, tr *Transcript) (float64, []string) {
	if tc.Expect.MaxLatency <= 0 {
		return 1.0, nil
	}

	if tr.Latency > tc.Expect.MaxLatency {
		return 0.0, []string{fmt.Sprintf("latency %s exceeds maximum %s", tr.Latency, tc.Expect.MaxLatency)}
	}

	return 1.0, nil
}
