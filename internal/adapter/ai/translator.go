package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/censusgate/censusgate/internal/config"
	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
	"github.com/censusgate/censusgate/internal/schema"
)

// ConfidenceFloor is the minimum model confidence accepted before the
// analysis is handed to validation.
const ConfidenceFloor = 0.5

// Translator calls an OpenAI-compatible chat completions endpoint and parses
// the response into a domain.Analysis. Transport failures count against the
// circuit breaker; a parseable but low-quality answer does not, since the
// provider itself is healthy.
type Translator struct {
	cfg      config.Config
	hc       *http.Client
	prompts  *PromptBuilder
	catalog  *schema.Catalog
	breaker  *observability.CircuitBreaker
	validate *validator.Validate
}

// NewTranslator wires the translator with its prompt builder and breaker.
func NewTranslator(cfg config.Config, catalog *schema.Catalog, breaker *observability.CircuitBreaker) (*Translator, error) {
	prompts, err := NewPromptBuilder(catalog, cfg.LLMModel, cfg.PromptTokenBudget)
	if err != nil {
		return nil, err
	}
	return &Translator{
		cfg:      cfg,
		hc:       &http.Client{Timeout: cfg.LLMTimeout},
		prompts:  prompts,
		catalog:  catalog,
		breaker:  breaker,
		validate: validator.New(),
	}, nil
}

// Translate converts question into an Analysis. prev, when non-nil, is the
// session's previous analysis and grounds referential follow-ups.
func (t *Translator) Translate(ctx context.Context, question string, prev *domain.Analysis) (domain.Analysis, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.Analysis{}, fmt.Errorf("op=ai.Translate: empty question: %w", domain.ErrInvalidArgument)
	}
	if t.cfg.LLMAPIKey == "" {
		return domain.Analysis{}, fmt.Errorf("op=ai.Translate: LLM_API_KEY missing: %w", domain.ErrTranslatorUnavailable)
	}

	var raw string
	start := time.Now()
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = t.chatJSON(ctx, t.prompts.System(), t.prompts.User(question, prev))
		return callErr
	})
	observability.LLMRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.LLMRequestsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, observability.ErrCircuitOpen) {
			return domain.Analysis{}, fmt.Errorf("op=ai.Translate: breaker open: %w", domain.ErrTranslatorUnavailable)
		}
		if errors.Is(err, context.Canceled) {
			return domain.Analysis{}, err
		}
		return domain.Analysis{}, fmt.Errorf("op=ai.Translate: %v: %w", err, domain.ErrTranslatorUnavailable)
	}
	observability.LLMRequestsTotal.WithLabelValues("ok").Inc()

	analysis, err := t.parse(ctx, raw)
	if err != nil {
		return domain.Analysis{}, err
	}
	t.resolveGeography(&analysis)
	return analysis, nil
}

// parse strictly decodes and vets the model output. Any shape problem maps to
// the low-confidence class so the caller can ask the user to rephrase.
func (t *Translator) parse(ctx context.Context, raw string) (domain.Analysis, error) {
	cleaned := stripFences(raw)

	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	var analysis domain.Analysis
	if err := dec.Decode(&analysis); err != nil {
		slog.WarnContext(ctx, "translator output not parseable",
			slog.String("snippet", snippet(cleaned, 256)),
			slog.Any("error", err))
		return domain.Analysis{}, fmt.Errorf("op=ai.parse: malformed model output: %w", domain.ErrLowConfidence)
	}
	if err := t.validate.Struct(analysis); err != nil {
		slog.WarnContext(ctx, "translator output failed validation", slog.Any("error", err))
		return domain.Analysis{}, fmt.Errorf("op=ai.parse: %v: %w", err, domain.ErrLowConfidence)
	}
	if analysis.Intent == domain.IntentError {
		return domain.Analysis{}, fmt.Errorf("op=ai.parse: model could not map the question to the schema: %w", domain.ErrLowConfidence)
	}
	if analysis.Confidence < ConfidenceFloor {
		return domain.Analysis{}, fmt.Errorf("op=ai.parse: confidence %.2f below %.2f: %w",
			analysis.Confidence, ConfidenceFloor, domain.ErrLowConfidence)
	}
	return analysis, nil
}

// resolveGeography fills FIPS codes for geographic names the catalog knows.
// Unknown names are left code-less; the SQL validator decides whether the
// statement stands without them.
func (t *Translator) resolveGeography(a *domain.Analysis) {
	for i := range a.Geography {
		g := &a.Geography[i]
		if g.Code != "" || g.Name == "" {
			continue
		}
		if entities, ok := t.catalog.ResolveRegion(g.Name); ok && len(entities) == 1 {
			g.Code = entities[0].Code
			g.Level = entities[0].Level
		}
	}
}

// chatJSON performs one chat completions call with retry. 4xx responses are
// permanent; 429 and 5xx retry under exponential backoff until the configured
// LLM timeout is spent.
func (t *Translator) chatJSON(ctx context.Context, system, user string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"model":           t.cfg.LLMModel,
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	})

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			t.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+t.cfg.LLMAPIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("llm provider rate limited", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			slog.Warn("llm provider 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(string(respBody), 512)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			slog.Warn("llm provider non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(string(respBody), 512)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding provider response: %w", err))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = t.cfg.LLMTimeout
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices from provider")
	}
	return out.Choices[0].Message.Content, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func snippet(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
