// Package usecase orchestrates the translate-validate-execute pipeline and
// the higher-level drill-down and comparison operations on top of it.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/censusgate/censusgate/internal/audit"
	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
)

// FollowUpDetector decides whether a question refines the previous one.
type FollowUpDetector interface {
	IsFollowUp(question string) bool
}

// Pipeline runs the full natural-language path. Every run emits exactly one
// audit record, whatever the outcome.
type Pipeline struct {
	translator domain.Translator
	validator  domain.SQLValidator
	executor   domain.Executor
	freshness  domain.FreshnessTracker
	auditSink  domain.AuditSink
	followUp   FollowUpDetector
	tracker    *observability.Tracker
}

// NewPipeline wires the pipeline from its ports.
func NewPipeline(
	translator domain.Translator,
	validator domain.SQLValidator,
	executor domain.Executor,
	freshness domain.FreshnessTracker,
	auditSink domain.AuditSink,
	followUp FollowUpDetector,
	tracker *observability.Tracker,
) *Pipeline {
	return &Pipeline{
		translator: translator,
		validator:  validator,
		executor:   executor,
		freshness:  freshness,
		auditSink:  auditSink,
		followUp:   followUp,
		tracker:    tracker,
	}
}

// Run executes the full pipeline for a natural-language question. sess may be
// nil for sessionless callers; when present its last analysis grounds
// follow-up questions and its query counter is the caller's responsibility.
func (p *Pipeline) Run(ctx context.Context, question string, sess *domain.Session) domain.PipelineResult {
	corrID := observability.CorrelationIDFromContext(ctx)
	if corrID == "" {
		corrID = observability.NewCorrelationID()
		ctx = observability.ContextWithCorrelationID(ctx, corrID)
	}
	log := observability.LoggerFromContext(ctx).With(slog.String("correlation_id", corrID))
	started := time.Now()

	var prev *domain.Analysis
	if sess != nil && sess.LastAnalysis != nil && p.followUp != nil && p.followUp.IsFollowUp(question) {
		prev = sess.LastAnalysis
		log.Debug("treating question as follow-up")
	}

	var analysis domain.Analysis
	err := p.tracker.Track(corrID, "translate", domain.ErrorKind, func() error {
		var terr error
		analysis, terr = p.translator.Translate(ctx, question, prev)
		return terr
	})
	if err != nil {
		p.appendAudit(ctx, domain.AuditRecord{
			CorrelationID: corrID,
			UserID:        userID(sess),
			Question:      redactQuestion(sess, question),
			Verdict:       audit.VerdictRejected,
			Outcome:       outcomeForError(err),
			DurationMS:    time.Since(started).Milliseconds(),
			ErrorClass:    domain.ErrorKind(err),
		})
		return p.failure(corrID, nil, err)
	}

	res := p.runValidated(ctx, corrID, analysis.SQL, runMeta{
		userID:   userID(sess),
		question: redactQuestion(sess, question),
		started:  started,
	})
	res.Analysis = &analysis
	if res.Success {
		res.Explanation = explain(analysis, res.Result)
	}
	return res
}

// RunSQL executes caller-provided SQL through validation and execution,
// skipping translation. Used by the validate-then-execute tool surface.
func (p *Pipeline) RunSQL(ctx context.Context, sql string, sess *domain.Session) domain.PipelineResult {
	corrID := observability.CorrelationIDFromContext(ctx)
	if corrID == "" {
		corrID = observability.NewCorrelationID()
		ctx = observability.ContextWithCorrelationID(ctx, corrID)
	}
	return p.runValidated(ctx, corrID, sql, runMeta{
		userID:  userID(sess),
		started: time.Now(),
	})
}

// Validate runs only the validation stage; nothing executes and nothing is
// audited, since no execution was attempted.
func (p *Pipeline) Validate(sql string) domain.ValidatedSQL {
	return p.validator.Validate(sql)
}

type runMeta struct {
	userID   string
	question string
	started  time.Time
}

// runValidated is the shared back half: validate, execute, stamp freshness,
// audit exactly once.
func (p *Pipeline) runValidated(ctx context.Context, corrID, sql string, meta runMeta) domain.PipelineResult {
	var verdict domain.ValidatedSQL
	_ = p.tracker.Track(corrID, "validate", nil, func() error {
		verdict = p.validator.Validate(sql)
		return nil
	})
	if !verdict.Accepted {
		tags := make([]string, 0, len(verdict.Rejections))
		details := make([]string, 0, len(verdict.Rejections))
		for _, r := range verdict.Rejections {
			tags = append(tags, r.Tag)
			details = append(details, r.Message)
		}
		p.appendAudit(ctx, domain.AuditRecord{
			CorrelationID: corrID,
			UserID:        meta.userID,
			Question:      meta.question,
			SQL:           sql,
			Verdict:       audit.VerdictRejected,
			Rejections:    tags,
			Outcome:       audit.OutcomeRejected,
			DurationMS:    time.Since(meta.started).Milliseconds(),
			ErrorClass:    domain.ErrorKind(domain.ErrSQLRejected),
		})
		return domain.PipelineResult{
			Success:       false,
			CorrelationID: corrID,
			Error: &domain.PipelineError{
				Kind:                 domain.ErrorKind(domain.ErrSQLRejected),
				Message:              "the SQL was rejected by the safety validator",
				Details:              details,
				SuggestedRefinements: refineForRejections(verdict.Rejections),
			},
		}
	}

	var result domain.QueryResult
	err := p.tracker.Track(corrID, "execute", domain.ErrorKind, func() error {
		var xerr error
		result, xerr = p.executor.Run(ctx, verdict)
		return xerr
	})
	rec := domain.AuditRecord{
		CorrelationID: corrID,
		UserID:        meta.userID,
		Question:      meta.question,
		SQL:           verdict.Sanitized,
		Verdict:       audit.VerdictAccepted,
		DurationMS:    time.Since(meta.started).Milliseconds(),
	}
	if err != nil {
		rec.Outcome = outcomeForError(err)
		rec.ErrorClass = domain.ErrorKind(err)
		p.appendAudit(ctx, rec)
		return p.failure(corrID, &verdict, err)
	}

	if p.freshness != nil {
		result.Freshness = p.freshness.Stamps(result.SourceTables)
	}
	rec.Outcome = audit.OutcomeOK
	rec.Rows = result.RowCount
	p.appendAudit(ctx, rec)

	return domain.PipelineResult{
		Success:       true,
		CorrelationID: corrID,
		Result:        &result,
	}
}

// outcomeForError distinguishes caller cancellation from real failures in the
// audit trail.
func outcomeForError(err error) string {
	if domain.ErrorKind(err) == "CANCELLED" {
		return audit.OutcomeCancelled
	}
	return audit.OutcomeError
}

// appendAudit never fails the request over an audit write error, but it is
// loud about it: a silent audit gap defeats the log's purpose.
func (p *Pipeline) appendAudit(ctx context.Context, rec domain.AuditRecord) {
	if p.auditSink == nil {
		return
	}
	if err := p.auditSink.Append(rec); err != nil {
		observability.LoggerFromContext(ctx).Error("audit append failed",
			slog.String("correlation_id", rec.CorrelationID),
			slog.Any("error", err))
	}
}

func (p *Pipeline) failure(corrID string, verdict *domain.ValidatedSQL, err error) domain.PipelineResult {
	kind := domain.ErrorKind(err)
	pe := &domain.PipelineError{
		Kind:                 kind,
		Message:              userMessage(kind),
		SuggestedRefinements: refineForKind(kind),
	}
	if verdict != nil && len(verdict.Rejections) > 0 {
		for _, r := range verdict.Rejections {
			pe.Details = append(pe.Details, r.Message)
		}
	}
	return domain.PipelineResult{
		Success:       false,
		CorrelationID: corrID,
		Error:         pe,
	}
}

func userID(sess *domain.Session) string {
	if sess == nil {
		return ""
	}
	return sess.UserID
}

// redactQuestion honors the session's privacy flag: the audit trail keeps the
// SQL but drops the raw question text.
func redactQuestion(sess *domain.Session, question string) string {
	if sess != nil && sess.RedactQuestions {
		return ""
	}
	return question
}

func userMessage(kind string) string {
	switch kind {
	case "TRANSLATION_LOW_CONFIDENCE":
		return "the question could not be confidently mapped to the census schema"
	case "TRANSLATION_UNAVAILABLE":
		return "the language model is currently unavailable"
	case "QUERY_TIMEOUT":
		return "the query took too long and was cancelled"
	case "POOL_TIMEOUT":
		return "the database is saturated; try again shortly"
	case "EXECUTION_ERROR":
		return "the query failed while executing"
	case "CANCELLED":
		return "the request was cancelled"
	default:
		return "the request could not be completed"
	}
}

func refineForKind(kind string) []string {
	switch kind {
	case "TRANSLATION_LOW_CONFIDENCE":
		return []string{
			"name a specific state, county, or metro area",
			"ask about population, income, age, poverty, insurance, or health access measures",
		}
	case "QUERY_TIMEOUT", "POOL_TIMEOUT":
		return []string{"narrow the geography or add filters to reduce the result size"}
	default:
		return nil
	}
}

func refineForRejections(rejs []domain.Rejection) []string {
	var out []string
	for _, r := range rejs {
		switch r.Tag {
		case "TABLE_NOT_ALLOWED":
			out = append(out, "query only state_data, county_data, or block_group_data")
		case "COLUMN_NOT_ALLOWED":
			out = append(out, "use the columns listed by the get_schema tool")
		case "STATEMENT_KIND_FORBIDDEN":
			out = append(out, "only read-only SELECT statements are supported")
		case "COMMENT_PRESENT":
			out = append(out, "remove SQL comments")
		}
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// explain renders a one-line summary of what ran, for the protocol response.
func explain(a domain.Analysis, res *domain.QueryResult) string {
	if res == nil {
		return ""
	}
	var geo []string
	for _, g := range a.Geography {
		if g.Name != "" {
			geo = append(geo, g.Name)
		} else if g.Code != "" {
			geo = append(geo, g.Code)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Returned %d row(s)", res.RowCount)
	if len(a.Measures) > 0 {
		fmt.Fprintf(&b, " of %s", strings.Join(a.Measures, ", "))
	}
	if len(geo) > 0 {
		fmt.Fprintf(&b, " for %s", strings.Join(geo, ", "))
	}
	b.WriteString(".")
	return b.String()
}
