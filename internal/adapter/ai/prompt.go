// Package ai implements the domain Translator port on an OpenAI-compatible
// chat completions API: schema-grounded prompts, retry with backoff behind a
// circuit breaker, and strict parsing of the model's JSON output.
package ai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/schema"
)

const systemPrompt = `You translate natural-language questions about U.S. census demographics into a JSON analysis object. Respond with a single JSON object and nothing else.

The object has these fields:
  intent: one of medicare_eligibility, population_health, facility_adequacy, general_demographic, error
  geography: array of {level, name} where level is state, county, tract, or block_group
  measures: array of column names the question asks about
  filters: array of {column, operator, value}; operator is one of = != < <= > >= in between
  sort: {column, direction} or null
  limit: requested row cap, 0 if unspecified
  sql: a single SELECT statement over ONLY the tables and columns listed in the schema
  confidence: your confidence in this analysis, 0.0 to 1.0

Rules:
  - Use intent "error" with low confidence when the question cannot be answered from the schema.
  - Never invent tables or columns. Never write anything but one SELECT.
  - Do not use SQL comments.
  - Prefer county_data for questions about counties or metro areas, state_data for states.`

// PromptBuilder assembles translator prompts under a token budget. The
// schema context is the largest block, so when the assembled user prompt
// exceeds the budget the column hint lines are dropped first.
type PromptBuilder struct {
	catalog *schema.Catalog
	budget  int
	enc     *tiktoken.Tiktoken
}

// NewPromptBuilder creates a builder using the tokenizer for the configured
// model, falling back to the cl100k_base encoding for models tiktoken does
// not know.
func NewPromptBuilder(catalog *schema.Catalog, model string, budget int) (*PromptBuilder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Warn("no tokenizer for model; falling back to cl100k_base",
			slog.String("model", model))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("op=ai.NewPromptBuilder: %w", err)
		}
	}
	if budget <= 0 {
		budget = 4000
	}
	return &PromptBuilder{catalog: catalog, budget: budget, enc: enc}, nil
}

// System returns the fixed system prompt.
func (b *PromptBuilder) System() string { return systemPrompt }

// User assembles the user prompt: schema context, the previous analysis for
// follow-up grounding when present, and the question itself.
func (b *PromptBuilder) User(question string, prev *domain.Analysis) string {
	var sb strings.Builder
	sb.WriteString("SCHEMA:\n")
	sb.WriteString(b.schemaContext(question, prev))
	if prev != nil {
		if ctx, err := json.Marshal(prev); err == nil {
			sb.WriteString("\nPREVIOUS ANALYSIS (the question may refine it):\n")
			sb.Write(ctx)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nQUESTION: ")
	sb.WriteString(question)
	return sb.String()
}

// Tokens counts tokens in s for budget accounting.
func (b *PromptBuilder) Tokens(s string) int {
	return len(b.enc.Encode(s, nil, nil))
}

// schemaContext renders the catalog, trimmed to fit the remaining budget
// after the fixed parts of the prompt are accounted for.
func (b *PromptBuilder) schemaContext(question string, prev *domain.Analysis) string {
	full := b.catalog.PromptContext()
	fixed := b.Tokens(systemPrompt) + b.Tokens(question) + 64
	if prev != nil {
		if ctx, err := json.Marshal(prev); err == nil {
			fixed += b.Tokens(string(ctx))
		}
	}
	remaining := b.budget - fixed
	if remaining <= 0 || b.Tokens(full) <= remaining {
		return full
	}

	// Drop column hint lines from the bottom up until it fits; table header
	// lines survive so the model still sees every table name.
	lines := strings.Split(full, "\n")
	for len(lines) > 1 {
		cut := -1
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.HasPrefix(lines[i], "  ") {
				cut = i
				break
			}
		}
		if cut < 0 {
			break
		}
		lines = append(lines[:cut], lines[cut+1:]...)
		if b.Tokens(strings.Join(lines, "\n")) <= remaining {
			break
		}
	}
	trimmed := strings.Join(lines, "\n")
	slog.Debug("schema context trimmed to token budget",
		slog.Int("budget", b.budget),
		slog.Int("tokens", b.Tokens(trimmed)))
	return trimmed
}
