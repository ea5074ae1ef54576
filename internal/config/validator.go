package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator checks individual configuration values.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the LLM provider name.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai":
		return nil
	case "":
		return fmt.Errorf("llm provider is required")
	default:
		return fmt.Errorf("invalid llm provider: %s (must be: anthropic, openai)", provider)
	}
}

// ValidateAPIKey checks an API key's shape for the given provider.
func (v *Validator) ValidateAPIKey(key, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key is required", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateSchedule checks a cron expression.
func (v *Validator) ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}
