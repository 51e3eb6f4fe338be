// Package redaction masks PII, PHI, and financial identifiers in text.
//
// The engine scans inbound messages before the provider call and outbound
// responses after it. Patterns cover UK and US formats for national
// identifiers, medical record numbers, dates of birth, phone numbers,
// email addresses, and credit card numbers. Replacements are fixed string
// constants so redacted output is deterministic.
package redaction

import (
	"regexp"
	"sort"

	"github.com/sovereignrag/gateway/pkg/openai"
)

// Category classifies what kind of sensitive data a pattern detects.
type Category string

const (
	CategoryPHI       Category = "phi"
	CategoryPII       Category = "pii"
	CategoryFinancial Category = "financial"
)

// Pattern is a single named detection rule.
type Pattern struct {
	Name        string
	Regexp      *regexp.Regexp
	Replacement string
	Category    Category
}

// Core patterns, always active when redaction is enabled. Order matters:
// hits feed the redacted text into the next pattern, so overlapping
// formats (NHS numbers vs. US phone numbers) resolve by position here.
var corePatterns = []Pattern{
	{
		Name:        "mrn",
		Regexp:      regexp.MustCompile(`(?i)\bMRN[:\s-]*\d{6,10}\b`),
		Replacement: "[MRN_REDACTED]",
		Category:    CategoryPHI,
	},
	{
		Name:        "dob",
		Regexp:      regexp.MustCompile(`(?i)\b(?:DOB[:\s-]*)?\d{2}[/-]\d{2}[/-]\d{4}\b`),
		Replacement: "[DOB_REDACTED]",
		Category:    CategoryPHI,
	},
	{
		Name:        "nhs_number",
		Regexp:      regexp.MustCompile(`\b\d{3}[\s-]?\d{3}[\s-]?\d{4}\b`),
		Replacement: "[NHS_NUMBER_REDACTED]",
		Category:    CategoryPHI,
	},
	{
		Name:        "nino",
		Regexp:      regexp.MustCompile(`(?i)\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`),
		Replacement: "[NINO_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "ssn",
		Regexp:      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Replacement: "[SSN_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "email",
		Regexp:      regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		Replacement: "[EMAIL_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "phone_us",
		Regexp:      regexp.MustCompile(`\b(?:\+1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		Replacement: "[PHONE_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "phone_uk",
		Regexp:      regexp.MustCompile(`\b(?:\+44[-.\s]?|0)(?:\d[-.\s]?){9,10}\b`),
		Replacement: "[PHONE_UK_REDACTED]",
		Category:    CategoryPII,
	},
	{
		Name:        "credit_card",
		Regexp:      regexp.MustCompile(`\b(?:\d[-.\s]?){13,19}\b`),
		Replacement: "[CREDIT_CARD_REDACTED]",
		Category:    CategoryFinancial,
	},
}

// TextResult reports a single-string redaction pass.
type TextResult struct {
	Text       string
	Count      int
	Categories []string
}

// MessagesResult reports a per-message redaction pass. Roles are never
// modified; only content is rewritten.
type MessagesResult struct {
	Messages   []openai.ChatMessage
	Count      int
	Categories []string
}

// Engine applies an ordered pattern catalog to text.
type Engine struct {
	patterns []Pattern
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtraPatterns appends additional patterns after the core catalog.
func WithExtraPatterns(patterns ...Pattern) Option {
	return func(e *Engine) {
		e.patterns = append(e.patterns, patterns...)
	}
}

// WithCategories limits scanning to the given categories.
func WithCategories(categories ...Category) Option {
	return func(e *Engine) {
		allowed := make(map[Category]bool, len(categories))
		for _, c := range categories {
			allowed[c] = true
		}
		kept := e.patterns[:0]
		for _, p := range e.patterns {
			if allowed[p.Category] {
				kept = append(kept, p)
			}
		}
		e.patterns = kept
	}
}

// New builds an engine with the core catalog and any options applied.
// Options apply in order, so extra patterns registered before a category
// filter are subject to that filter.
func New(opts ...Option) *Engine {
	e := &Engine{patterns: append([]Pattern(nil), corePatterns...)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PatternCount reports how many patterns are active.
func (e *Engine) PatternCount() int { return len(e.patterns) }

// RedactText masks every pattern hit in s and reports how many
// substitutions were made and which categories matched.
func (e *Engine) RedactText(s string) TextResult {
	redacted := s
	count := 0
	matched := map[Category]bool{}
	for _, p := range e.patterns {
		hits := 0
		redacted = p.Regexp.ReplaceAllStringFunc(redacted, func(string) string {
			hits++
			return p.Replacement
		})
		if hits > 0 {
			count += hits
			matched[p.Category] = true
		}
	}
	return TextResult{Text: redacted, Count: count, Categories: sortedCategories(matched)}
}

// RedactMessages masks every message's content, preserving roles and
// message order. The input slice is not modified.
func (e *Engine) RedactMessages(messages []openai.ChatMessage) MessagesResult {
	out := make([]openai.ChatMessage, len(messages))
	count := 0
	matched := map[Category]bool{}
	for i, m := range messages {
		res := e.RedactText(m.Content)
		count += res.Count
		for _, c := range res.Categories {
			matched[Category(c)] = true
		}
		out[i] = openai.ChatMessage{Role: m.Role, Content: res.Text, Citations: m.Citations}
	}
	return MessagesResult{Messages: out, Count: count, Categories: sortedCategories(matched)}
}

func sortedCategories(matched map[Category]bool) []string {
	out := make([]string, 0, len(matched))
	for c := range matched {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
