// Package topic implements the Mercure topic selector engine: wildcard,
// literal, and URI-template selectors compiled once and matched against a
// set of candidate topic IRIs (a canonical topic plus any alternates).
package topic

import (
	"net/url"
	"regexp"
	"strings"
)

// Kind tags which variant a Selector is.
type Kind int

const (
	// KindWildcard matches every candidate topic.
	KindWildcard Kind = iota
	// KindLiteral matches by exact string equality.
	KindLiteral
	// KindTemplate matches by a compiled RFC 6570 URI template.
	KindTemplate
)

// Selector is a compiled topic matcher. It is immutable and safe for
// concurrent use once returned from Compile.
type Selector struct {
	kind    Kind
	raw     string
	pattern *regexp.Regexp // only set for KindTemplate
}

// Raw returns the original selector string as given to Compile.
func (s *Selector) Raw() string { return s.raw }

// Kind reports which variant this selector is.
func (s *Selector) Kind() Kind { return s.kind }

// Compile compiles topic into a Selector. baseURL, if non-empty, resolves a
// relative URI template against the request's URL before compilation, per
// mercure.rocks' rule that topic selectors are resolved relative to the
// request. Compiled templates are memoized in a shared LRU cache keyed by the
// resolved template string.
func Compile(raw string, baseURL string) (*Selector, error) {
	if raw == "*" {
		return &Selector{kind: KindWildcard, raw: raw}, nil
	}

	resolved := raw
	if baseURL != "" {
		if r, err := resolveAgainstBase(raw, baseURL); err == nil {
			resolved = r
		}
	}

	if !containsTemplateExpr(resolved) {
		return &Selector{kind: KindLiteral, raw: resolved}, nil
	}

	if re, ok := globalTemplateCache.get(resolved); ok {
		return &Selector{kind: KindTemplate, raw: resolved, pattern: re}, nil
	}
	re, err := compileTemplate(resolved)
	if err != nil {
		return nil, err
	}
	globalTemplateCache.put(resolved, re)
	return &Selector{kind: KindTemplate, raw: resolved, pattern: re}, nil
}

func containsTemplateExpr(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			return true
		}
	}
	return false
}

// resolveAgainstBase resolves a possibly-relative selector string against
// base, treating it as a URL reference. url.Parse accepts '{' and '}' in a
// path, but URL.String percent-encodes them, so a template's braces are
// restored after resolution; without that a relative template would come
// back as a literal.
func resolveAgainstBase(raw, base string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return raw, err
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw, err
	}
	if ref.IsAbs() {
		return raw, nil
	}
	resolved := baseURL.ResolveReference(ref).String()
	if containsTemplateExpr(raw) {
		resolved = strings.NewReplacer("%7B", "{", "%7D", "}").Replace(resolved)
	}
	return resolved, nil
}

// Match reports whether any candidate topic matches the selector.
func (s *Selector) Match(candidates []string) bool {
	switch s.kind {
	case KindWildcard:
		return true
	case KindLiteral:
		for _, c := range candidates {
			if c == s.raw {
				return true
			}
		}
		return false
	case KindTemplate:
		for _, c := range candidates {
			if s.pattern.MatchString(c) {
				return true
			}
		}
		return false
	}
	return false
}

// MatchOne reports whether a single topic matches the selector; a
// convenience wrapper around Match for call sites with exactly one
// candidate.
func (s *Selector) MatchOne(topic string) bool {
	return s.Match([]string{topic})
}

// AnyMatches reports whether at least one selector in selectors matches any
// of candidates. Used for both subscription matching (subscriptions against
// an update's topics) and authorization matching (a token's selectors
// against the same topics).
func AnyMatches(selectors []*Selector, candidates []string) bool {
	for _, sel := range selectors {
		if sel.Match(candidates) {
			return true
		}
	}
	return false
}
