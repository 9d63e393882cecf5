// Package domain defines the core types and ports of the census analytics
// gateway. It stays free of transport and storage concerns; adapters depend
// on this package, never the other way around.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Handlers map these to protocol codes; see
// the httpserver package for the mapping.
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrLowConfidence         = errors.New("translation low confidence")
	ErrTranslatorUnavailable = errors.New("translator unavailable")
	ErrSQLRejected           = errors.New("sql rejected")
	ErrQueryTimeout          = errors.New("query timeout")
	ErrPoolTimeout           = errors.New("pool timeout")
	ErrExecution             = errors.New("execution error")
	ErrRateLimited           = errors.New("rate limited")
	ErrSessionInvalid        = errors.New("session invalid")
	ErrSessionExpired        = errors.New("session expired")
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrInternal              = errors.New("internal error")
)

// ErrorKind returns the stable machine code for err, suitable for audit
// records and the user-visible error envelope.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLowConfidence):
		return "TRANSLATION_LOW_CONFIDENCE"
	case errors.Is(err, ErrTranslatorUnavailable):
		return "TRANSLATION_UNAVAILABLE"
	case errors.Is(err, ErrSQLRejected):
		return "SQL_REJECTED"
	case errors.Is(err, ErrQueryTimeout):
		return "QUERY_TIMEOUT"
	case errors.Is(err, ErrPoolTimeout):
		return "POOL_TIMEOUT"
	case errors.Is(err, ErrExecution):
		return "EXECUTION_ERROR"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrSessionExpired):
		return "SESSION_INVALID"
	case errors.Is(err, ErrServiceUnavailable):
		return "SERVICE_UNAVAILABLE"
	case errors.Is(err, ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}

// Intent enumerates the closed set of question intents the translator emits.
type Intent string

const (
	IntentMedicareEligibility Intent = "medicare_eligibility"
	IntentPopulationHealth    Intent = "population_health"
	IntentFacilityAdequacy    Intent = "facility_adequacy"
	IntentGeneralDemographic  Intent = "general_demographic"
	IntentError               Intent = "error"
)

// GeoLevel enumerates the census geography hierarchy, coarsest first.
type GeoLevel string

const (
	GeoLevelState      GeoLevel = "state"
	GeoLevelCounty     GeoLevel = "county"
	GeoLevelTract      GeoLevel = "tract"
	GeoLevelBlockGroup GeoLevel = "block_group"
)

// GeoEntity is one geographic reference resolved (or resolvable) against the
// schema catalog. Code is the canonical FIPS code once resolved.
type GeoEntity struct {
	Level GeoLevel `json:"level" validate:"oneof=state county tract block_group"`
	Name  string   `json:"name,omitempty"`
	Code  string   `json:"code,omitempty"`
}

// Filter is a single predicate the translator derived from the question.
type Filter struct {
	Column   string `json:"column" validate:"required"`
	Operator string `json:"operator" validate:"oneof== != < <= > >= in between"`
	Value    any    `json:"value"`
}

// Sort describes the requested ordering, when any.
type Sort struct {
	Column    string `json:"column" validate:"required"`
	Direction string `json:"direction" validate:"oneof=asc desc"`
}

// DefaultLimit and MaxLimit bound result sizes; the validator injects or
// clamps LIMIT accordingly.
const (
	DefaultLimit = 1000
	MaxLimit     = 1000
)

// Analysis is the translator's structured output. Every column referenced in
// Filters, Sort, and SQL must appear in the schema catalog; the validator
// enforces this downstream regardless of what the model emitted.
type Analysis struct {
	Intent     Intent      `json:"intent" validate:"oneof=medicare_eligibility population_health facility_adequacy general_demographic error"`
	Geography  []GeoEntity `json:"geography" validate:"dive"`
	Measures   []string    `json:"measures"`
	Filters    []Filter    `json:"filters" validate:"dive"`
	Sort       *Sort       `json:"sort,omitempty"`
	Limit      int         `json:"limit" validate:"min=0,max=1000"`
	SQL        string      `json:"sql" validate:"required"`
	Confidence float64     `json:"confidence,omitempty"`
}

// Rejection is one validator finding: a stable machine tag plus a phrase a
// user can act on.
type Rejection struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidatedSQL is the validator's verdict over a candidate statement. When
// Accepted, Sanitized is guaranteed to be a single SELECT against allowlisted
// tables with LIMIT <= MaxLimit.
type ValidatedSQL struct {
	Original       string      `json:"original"`
	Sanitized      string      `json:"sanitized,omitempty"`
	Accepted       bool        `json:"accepted"`
	Rejections     []Rejection `json:"rejections,omitempty"`
	Tables         []string    `json:"tables,omitempty"`
	EstimatedRows  int64       `json:"estimated_rows,omitempty"`
	HasAggregation bool        `json:"has_aggregation,omitempty"`
	Limit          int         `json:"limit,omitempty"`
}

// Row is one result record; keys are column names. Integer values are widened
// to int64 during materialization.
type Row = map[string]any

// QueryResult is the executor's output. Invariant: RowCount <= the validated
// statement's limit.
type QueryResult struct {
	Rows          []Row                `json:"rows"`
	RowCount      int                  `json:"row_count"`
	Columns       []string             `json:"columns"`
	ExecutionTime time.Duration        `json:"execution_time"`
	SourceTables  []string             `json:"source_tables"`
	Freshness     map[string]time.Time `json:"freshness,omitempty"`
}

// PipelineError is the classified, user-visible failure of a pipeline run.
type PipelineError struct {
	Kind                 string   `json:"kind"`
	Message              string   `json:"message"`
	Details              []string `json:"details,omitempty"`
	SuggestedRefinements []string `json:"suggestedRefinements,omitempty"`
}

// PipelineResult is the uniform response shape of a pipeline run, success or
// not. Exactly one audit record is emitted per run.
type PipelineResult struct {
	Success       bool           `json:"success"`
	CorrelationID string         `json:"correlationId"`
	Analysis      *Analysis      `json:"analysis,omitempty"`
	Result        *QueryResult   `json:"result,omitempty"`
	Explanation   string         `json:"explanation,omitempty"`
	Error         *PipelineError `json:"error,omitempty"`
}

// Session is the protocol-level conversation state, keyed by an opaque
// uuid-v4 id. LastUsed is monotonic under Touch.
type Session struct {
	ID              string
	UserID          string
	CreatedAt       time.Time
	LastUsed        time.Time
	QueryCount      int64
	LastAnalysis    *Analysis
	RedactQuestions bool
}

// AuditRecord is one append-only entry per execution attempt.
type AuditRecord struct {
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id,omitempty"`
	Question      string    `json:"question,omitempty"`
	SQL           string    `json:"sql"`
	Verdict       string    `json:"verdict"`
	Rejections    []string  `json:"rejections,omitempty"`
	Outcome       string    `json:"outcome"`
	Rows          int       `json:"rows,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	ErrorClass    string    `json:"error_class,omitempty"`
}

// Ports. The composition root wires concrete adapters to these; nothing in
// usecase or httpserver names a concrete implementation.

// Translator converts a natural-language question into an Analysis, grounded
// on the schema catalog. prev carries the session's previous Analysis for
// referential follow-ups and may be nil.
type Translator interface {
	Translate(ctx context.Context, question string, prev *Analysis) (Analysis, error)
}

// SQLValidator proves a candidate statement safe and shapes it into its
// canonical sanitized form. Validation never executes anything.
type SQLValidator interface {
	Validate(sql string) ValidatedSQL
}

// Executor runs an accepted statement against the analytical engine.
type Executor interface {
	Run(ctx context.Context, v ValidatedSQL) (QueryResult, error)
}

// FreshnessTracker serves per-table last-refresh stamps.
type FreshnessTracker interface {
	Stamps(tables []string) map[string]time.Time
}

// AuditSink persists audit records durably enough to survive a worker crash.
type AuditSink interface {
	Append(rec AuditRecord) error
}

// RateLimiter bounds request rate under a global budget with a per-identity
// share. Allow atomically decides and consumes in one step, so concurrent
// callers cannot slip past the limit between a check and its accounting.
// Implementations fail open when their backing store is unreachable.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time, err error)
}

// QueryCache is the optional result store the executor path may consult.
type QueryCache interface {
	Get(ctx context.Context, sanitizedSQL string) (*QueryResult, bool)
	Put(ctx context.Context, sanitizedSQL string, res QueryResult)
}
