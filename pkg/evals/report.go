package evals

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strconv"
	"time"
)

// Report aggregates one variant's results.
type Report struct {
	Variant      string
	Results      []*EvaluationResult
	PassedCases  int
	ErroredCases int
	PassRate     float64
	MeanScore    float64
	MeanLatency  time.Duration
}

// ComparisonReport holds the flat result set of a multi-variant run plus a
// per-variant aggregate.
type ComparisonReport struct {
	RunAt   time.Time
	Results []*EvaluationResult
	Reports []*Report
}

// RankBy orders criteria for Ranking.
type RankBy string

const (
	RankByScore    RankBy = "score"
	RankBySpeed    RankBy = "speed"
	RankByPassRate RankBy = "pass_rate"
)

// Ranking returns the per-variant reports ordered best-first by the given
// criterion. The receiver's Reports slice is not modified.
func (c *ComparisonReport) Ranking(by RankBy) []*Report {
	ranked := make([]*Report, len(c.Reports))
	copy(ranked, c.Reports)

	sort.SliceStable(ranked, func(i, j int) bool {
		switch by {
		case RankBySpeed:
			return ranked[i].MeanLatency < ranked[j].MeanLatency
		case RankByPassRate:
			return ranked[i].PassRate > ranked[j].PassRate
		default:
			return ranked[i].MeanScore > ranked[j].MeanScore
		}
	})

	return ranked
}

// Best returns the top-ranked variant report by the given criterion.
func (c *ComparisonReport) Best(by RankBy) *Report {
	ranked := c.Ranking(by)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

// WriteCSV writes the flat result table: one row per (test case, variant).
func (c *ComparisonReport) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"variant", "test", "passed", "errored", "score", "latency_ms", "failure_reason"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, res := range c.Results {
		row := []string{
			res.Variant,
			res.TestName,
			strconv.FormatBool(res.Passed),
			strconv.FormatBool(res.Errored),
			strconv.FormatFloat(res.Score, 'f', 3, 64),
			strconv.FormatInt(res.Latency.Milliseconds(), 10),
			res.FailureReason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"pct": func(v float64) string { return fmt.Sprintf("%.0f%%", v*100) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Evaluation report</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
th { background: #f0f0f0; }
.pass { color: #0a7d33; }
.fail { color: #b00020; }
</style>
</head>
<body>
<h1>Evaluation report</h1>
<p>Run at {{.RunAt.Format "2006-01-02 15:04:05 MST"}}</p>

<h2>Variants</h2>
<table>
<tr><th>Variant</th><th>Pass rate</th><th>Mean score</th><th>Mean latency</th><th>Errors</th></tr>
{{range .Reports}}
<tr>
<td>{{.Variant}}</td>
<td>{{pct .PassRate}}</td>
<td>{{printf "%.3f" .MeanScore}}</td>
<td>{{.MeanLatency}}</td>
<td>{{.ErroredCases}}</td>
</tr>
{{end}}
</table>

<h2>Results</h2>
<table>
<tr><th>Variant</th><th>Test</th><th>Outcome</th><th>Score</th><th>Latency</th><th>Detail</th></tr>
{{range .Results}}
<tr>
<td>{{.Variant}}</td>
<td>{{.TestName}}</td>
{{if .Passed}}<td class="pass">pass</td>{{else}}<td class="fail">{{if .Errored}}error{{else}}fail{{end}}</td>{{end}}
<td>{{printf "%.3f" .Score}}</td>
<td>{{.Latency}}</td>
<td>{{.FailureReason}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`))

// WriteHTML writes a static HTML summary of the comparison.
func (c *ComparisonReport) WriteHTML(w io.Writer) error {
	if err := htmlReport.Execute(w, c); err != nil {
		return fmt.Errorf("failed to render html report: %w", err)
	}
	return nil
}
