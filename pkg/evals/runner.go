package evals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calder-ai/steward/internal/observability"
	"github.com/calder-ai/steward/pkg/uievent"
	"github.com/calder-ai/steward/pkg/user"
)

const (
	defaultConcurrency = 4
	defaultCaseTimeout = 2 * time.Minute
)

// Agent is the surface the harness drives. *agent.Agent satisfies it; tests
// may substitute scripted fakes.
type Agent interface {
	SendMessage(ctx context.Context, rc user.RequestContext, message, conversationID string) <-chan uievent.Event
}

// Variant pairs an agent configuration with the name it is reported under.
type Variant struct {
	Name  string
	Agent Agent
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Evaluators  []Evaluator   // defaults to DefaultEvaluators()
	Concurrency int           // cap on in-flight runs, defaults to 4
	CaseTimeout time.Duration // per-case budget, defaults to 2m
	Logger      zerolog.Logger
}

// Runner executes test cases against agent variants under a bounded worker
// pool and aggregates the results.
type Runner struct {
	evaluators  []Evaluator
	concurrency int
	caseTimeout time.Duration
	logger      zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Concurrency < 0 {
		return nil, fmt.Errorf("concurrency must be non-negative")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = defaultCaseTimeout
	}
	if len(cfg.Evaluators) == 0 {
		cfg.Evaluators = DefaultEvaluators()
	}

	return &Runner{
		evaluators:  cfg.Evaluators,
		concurrency: cfg.Concurrency,
		caseTimeout: cfg.CaseTimeout,
		logger:      cfg.Logger.With().Str("component", "eval_runner").Logger(),
	}, nil
}

// RunEvaluation runs every test case against a single agent and aggregates
// the results into a Report.
func (r *Runner) RunEvaluation(ctx context.Context, variantName string, agent Agent, cases []*TestCase) (*Report, error) {
	comparison, err := r.CompareAgents(ctx, []Variant{{Name: variantName, Agent: agent}}, cases)
	if err != nil {
		return nil, err
	}
	return comparison.Reports[0], nil
}

// CompareAgents runs every test case against every variant. Runs are
// dispatched concurrently up to the configured cap; excess work queues.
// The returned report holds exactly len(variants) * len(cases) results.
func (r *Runner) CompareAgents(ctx context.Context, variants []Variant, cases []*TestCase) (*ComparisonReport, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("at least one variant is required")
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("at least one test case is required")
	}
	for _, v := range variants {
		if v.Name == "" || v.Agent == nil {
			return nil, fmt.Errorf("variant name and agent are required")
		}
	}

	start := time.Now()
	results := make([]*EvaluationResult, len(variants)*len(cases))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for vi, variant := range variants {
		for ci, tc := range cases {
			wg.Add(1)
			go func(idx int, variant Variant, tc *TestCase) {
				defer wg.Done()

				sem <- struct{}{}
				defer func() { <-sem }()

				results[idx] = r.runCase(ctx, variant, tc)
			}(vi*len(cases)+ci, variant, tc)
		}
	}

	wg.Wait()
	observability.RecordEvalRun(time.Since(start))

	report := &ComparisonReport{
		RunAt:   start,
		Results: results,
	}
	for _, variant := range variants {
		report.Reports = append(report.Reports, buildReport(variant.Name, results))
	}

	r.logger.Info().
		Int("variants", len(variants)).
		Int("cases", len(cases)).
		Dur("duration", time.Since(start)).
		Msg("Comparison complete")

	return report, nil
}

// runCase drives the agent through one test case and scores the transcript.
func (r *Runner) runCase(ctx context.Context, variant Variant, tc *TestCase) *EvaluationResult {
	ctx, cancel := context.WithTimeout(ctx, r.caseTimeout)
	defer cancel()

	rc := user.NewRequestContext()
	if tc.UserID != "" {
		rc.Metadata["user_id"] = tc.UserID
	}

	start := time.Now()
	var events []uievent.Event
	for ev := range variant.Agent.SendMessage(ctx, rc, tc.Message, tc.ConversationID) {
		events = append(events, ev)
	}
	latency := time.Since(start)

	tr := buildTranscript(events, latency)
	result := r.score(variant.Name, tc, tr)

	outcome := "failed"
	switch {
	case result.Errored:
		outcome = "errored"
	case result.Passed:
		outcome = "passed"
	}
	observability.RecordEvalCase(variant.Name, outcome)

	r.logger.Debug().
		Str("variant", variant.Name).
		Str("test", tc.Name).
		Str("outcome", outcome).
		Float64("score", result.Score).
		Dur("latency", latency).
		Msg("Test case finished")

	return result
}

// score runs every evaluator over the transcript. An errored run (terminal
// error from the agent) scores zero without consulting the evaluators, so
// unexpected errors and low-scoring completions stay distinct in reports.
func (r *Runner) score(variantName string, tc *TestCase, tr *Transcript) *EvaluationResult {
	result := &EvaluationResult{
		Variant:         variantName,
		TestName:        tc.Name,
		Latency:         tr.Latency,
		EvaluatorScores: map[string]float64{},
	}

	if tr.Terminal == uievent.TerminalError {
		result.Errored = true
		result.FailureReason = fmt.Sprintf("agent error: %s", tr.TerminalError)
		return result
	}

	var failures []string
	total := 0.0
	for _, ev := range r.evaluators {
		score, evFailures := ev.Evaluate(tc, tr)
		result.EvaluatorScores[ev.Name()] = score
		total += score
		failures = append(failures, evFailures...)
	}

	result.Score = total / float64(len(r.evaluators))
	result.Passed = result.Score >= PassThreshold
	if len(failures) > 0 {
		result.FailureReason = strings.Join(failures, "; ")
	}

	return result
}

// buildReport aggregates one variant's slice of the flat result set.
func buildReport(variantName string, results []*EvaluationResult) *Report {
	report := &Report{Variant: variantName}

	var totalScore float64
	var totalLatency time.Duration

	for _, res := range results {
		if res.Variant != variantName {
			continue
		}
		report.Results = append(report.Results, res)
		totalScore += res.Score
		totalLatency += res.Latency
		if res.Passed {
			report.PassedCases++
		}
		if res.Errored {
			report.ErroredCases++
		}
	}

	n := len(report.Results)
	if n > 0 {
		report.PassRate = float64(report.PassedCases) / float64(n)
		report.MeanScore = totalScore / float64(n)
		report.MeanLatency = totalLatency / time.Duration(n)
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].TestName < report.Results[j].TestName
	})

	return report
}
