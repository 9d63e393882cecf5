package ai

import (
	"regexp"
	"strings"
)

// followUpPatterns match referential phrasing that only makes sense against
// an earlier answer.
var followUpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(those|these|that|it|them|there)\b`),
	regexp.MustCompile(`(?i)\b(same|previous|earlier|again)\b`),
	regexp.MustCompile(`(?i)\b(what about|how about|and for|also show|drill (?:down|into))\b`),
	regexp.MustCompile(`(?i)^(and|but|now|next)\b`),
	regexp.MustCompile(`(?i)\b(instead|rather than|compare (?:that|it))\b`),
}

// FollowUpDetector decides whether a question refers back to the session's
// previous analysis, which controls whether that analysis is embedded in the
// translator prompt. The default heuristic is a small pattern set; an extra
// predicate can be plugged in for callers with a better signal.
type FollowUpDetector struct {
	patterns []*regexp.Regexp
	extra    func(question string) bool
}

// DetectorOption configures a FollowUpDetector.
type DetectorOption func(*FollowUpDetector)

// WithExtraPredicate adds a caller-supplied predicate consulted after the
// built-in patterns.
func WithExtraPredicate(pred func(string) bool) DetectorOption {
	return func(d *FollowUpDetector) { d.extra = pred }
}

// NewFollowUpDetector builds a detector with the built-in patterns.
func NewFollowUpDetector(opts ...DetectorOption) *FollowUpDetector {
	d := &FollowUpDetector{patterns: followUpPatterns}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsFollowUp reports whether question reads as a refinement of the previous
// one. Very short questions lean follow-up: "now florida" carries no context
// of its own.
func (d *FollowUpDetector) IsFollowUp(question string) bool {
	q := strings.TrimSpace(question)
	if q == "" {
		return false
	}
	for _, p := range d.patterns {
		if p.MatchString(q) {
			return true
		}
	}
	if len(strings.Fields(q)) <= 3 {
		return true
	}
	if d.extra != nil {
		return d.extra(q)
	}
	return false
}
