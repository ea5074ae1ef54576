package evals

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Suite is a named collection of test cases loadable from a JSON file.
type Suite struct {
	Name  string      `json:"name"`
	Cases []*TestCase `json:"cases"`
}

// suiteFile is the on-disk shape. Latency budgets are written in
// milliseconds rather than Duration strings.
type suiteFile struct {
	Name  string `json:"name"`
	Cases []struct {
		Name           string `json:"name"`
		UserID         string `json:"user_id"`
		Message        string `json:"message"`
		ConversationID string `json:"conversation_id"`
		Expect         struct {
			OutputContains    []string `json:"output_contains"`
			OutputNotContains []string `json:"output_not_contains"`
			ExpectedTools     []string `json:"expected_tools"`
			MinToolResults    int      `json:"min_tool_results"`
			MinComponents     int      `json:"min_components"`
			MaxLatencyMS      int      `json:"max_latency_ms"`
		} `json:"expect"`
	} `json:"cases"`
}

// LoadSuite reads a test suite from a JSON file. Environment variables in
// the file body are expanded before parsing.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file %s: %w", path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var file suiteFile
	if err := json.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse suite file %s: %w", path, err)
	}

	suite := &Suite{Name: file.Name}
	for _, c := range file.Cases {
		tc := &TestCase{
			Name:           c.Name,
			UserID:         c.UserID,
			Message:        c.Message,
			ConversationID: c.ConversationID,
			Expect: ExpectedOutcome{
				OutputContains:    c.Expect.OutputContains,
				OutputNotContains: c.Expect.OutputNotContains,
				ExpectedTools:     c.Expect.ExpectedTools,
				MinToolResults:    c.Expect.MinToolResults,
				MinComponents:     c.Expect.MinComponents,
				MaxLatency:        time.Duration(c.Expect.MaxLatencyMS) * time.Millisecond,
			},
		}
		suite.Cases = append(suite.Cases, tc)
	}

	if err := suite.Validate(); err != nil {
		return nil, fmt.Errorf("invalid suite %s: %w", path, err)
	}

	return suite, nil
}

// Validate checks structural requirements: a name, at least one case, and
// unique non-empty case names with messages.
func (s *Suite) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("suite name is required")
	}
	if len(s.Cases) == 0 {
		return fmt.Errorf("at least one test case is required")
	}

	seen := map[string]bool{}
	for i, tc := range s.Cases {
		if tc.Name == "" {
			return fmt.Errorf("cases[%d].name is required", i)
		}
		if tc.Message == "" {
			return fmt.Errorf("cases[%d].message is required", i)
		}
		if seen[tc.Name] {
			return fmt.Errorf("duplicate test case name: %q", tc.Name)
		}
		seen[tc.Name] = true
		if tc.Expect.MinToolResults < 0 {
			return fmt.Errorf("cases[%d].expect.min_tool_results must be non-negative", i)
		}
		if tc.Expect.MinComponents < 0 {
			return fmt.Errorf("cases[%d].expect.min_components must be non-negative", i)
		}
	}

	return nil
}
