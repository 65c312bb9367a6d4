package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type (
	// ViewState is the screen owned projection input. It is never persisted.
	ViewState struct {
		// Viewer the role-visibility predicate is evaluated for
		Session Session
		// Free text matched against the entity searchable fields
		SearchText string
		// Structured equality filters (field name -> value)
		Equals map[string]string
		// Optional timestamp range (zero means unbounded)
		From time.Time
		To   time.Time
	}

	// ViewStatePatch is a partial ViewState update: nil fields are kept.
	ViewStatePatch struct {
		Session    *Session
		SearchText *string
		// Merged into ViewState.Equals, an empty value removes the filter
		Equals      map[string]string
		ClearEquals bool
		From        *time.Time
		To          *time.Time
	}
)

// Apply returns a new ViewState with the patch applied (the receiver is not modified).
func (s ViewState) Apply(p ViewStatePatch) ViewState {
	next := s
	if p.Session != nil {
		next.Session = *p.Session
	}
	if p.SearchText != nil {
		next.SearchText = *p.SearchText
	}
	if p.From != nil {
		next.From = *p.From
	}
	if p.To != nil {
		next.To = *p.To
	}

	next.Equals = make(map[string]string, len(s.Equals)+len(p.Equals))
	if !p.ClearEquals {
		for k, v := range s.Equals {
			next.Equals[k] = v
		}
	}
	for k, v := range p.Equals {
		if v == "" {
			delete(next.Equals, k)
			continue
		}
		next.Equals[k] = v
	}

	return next
}

// InRange checks the timestamp against the From/To bounds (both inclusive).
func (s ViewState) InRange(ts time.Time) bool {
	if !s.From.IsZero() && ts.Before(s.From) {
		return false
	}
	if !s.To.IsZero() && ts.After(s.To) {
		return false
	}

	return true
}

// FoldText lower-cases the text and strips diacritics, so "Crítica" matches "critica".
// Transformers are stateful, a new chain is built per call.
func FoldText(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}

	return cases.Fold().String(strings.TrimSpace(stripped))
}

// NewTextMatcher returns a predicate checking if any of the fields contains the query.
// An empty query matches everything.
func NewTextMatcher(query string) func(fields []string) bool {
	q := FoldText(query)
	if q == "" {
		return func([]string) bool { return true }
	}

	return func(fields []string) bool {
		for _, field := range fields {
			if strings.Contains(FoldText(field), q) {
				return true
			}
		}
		return false
	}
}
