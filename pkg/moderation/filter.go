// Package moderation provides a content filter that plugs into the agent's
// before-message hook slot. Blocked prompts end the turn with a policy
// notice rather than an error.
package moderation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/calder-ai/steward/pkg/lifecycle"
)

// Config lists the blocked content rules.
type Config struct {
	// BlockedKeywords match case-insensitively as substrings.
	BlockedKeywords []string
	// BlockedPatterns are regular expressions matched against the raw prompt.
	BlockedPatterns []string
}

// ContentFilter checks user messages against configured keywords and
// patterns. It implements lifecycle.BeforeMessageHook.
type ContentFilter struct {
	keywords []string
	patterns []*regexp.Regexp
}

// New creates a content filter, compiling the configured patterns.
func New(cfg Config) (*ContentFilter, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(cfg.BlockedKeywords))
	for _, kw := range cfg.BlockedKeywords {
		keywords = append(keywords, strings.ToLower(kw))
	}

	return &ContentFilter{keywords: keywords, patterns: patterns}, nil
}

// Name identifies the hook in logs.
func (f *ContentFilter) Name() string {
	return "moderation"
}

// BeforeMessage rejects blocked prompts with a policy error so the turn
// ends with a notice instead of failing.
func (f *ContentFilter) BeforeMessage(ctx context.Context, info *lifecycle.TurnInfo) error {
	if reason := f.check(info.Message); reason != "" {
		return lifecycle.NewPolicyError(reason)
	}
	return nil
}

func (f *ContentFilter) check(message string) string {
	normalized := strings.ToLower(message)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Sprintf("message contains blocked keyword: %s", kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(message) {
			return fmt.Sprintf("message matches blocked pattern #%d", i+1)
		}
	}
	return ""
}
