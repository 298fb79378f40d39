// Package lexical splits free text into normalized search terms. The record
// store uses it to build FTS5 queries and the ranker uses it to measure
// keyword overlap, so both sides agree on what a "term" is.
package lexical

import (
	"strings"
	"unicode"
)

// MinTermLength is the shortest token kept as a term.
const MinTermLength = 2

// stopwords are dropped from both queries and documents.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "can": {}, "could": {}, "did": {}, "do": {}, "does": {}, "for": {},
	"from": {}, "had": {}, "has": {}, "have": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {},
	"no": {}, "not": {}, "of": {}, "on": {}, "or": {}, "our": {}, "please": {},
	"should": {}, "so": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "this": {}, "to": {}, "up": {},
	"us": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

// Tokens lower-cases text and splits it on anything that is not a letter,
// digit or underscore. Stopwords and short tokens are removed. Order of first
// appearance is preserved and duplicates are kept.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < MinTermLength {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Terms returns the distinct tokens of text in order of first appearance.
func Terms(text string) []string {
	tokens := Tokens(text)
	seen := make(map[string]struct{}, len(tokens))
	terms := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

// Set returns the distinct tokens of text as a lookup set.
func Set(text string) map[string]struct{} {
	tokens := Tokens(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// Normalize lower-cases text and collapses runs of whitespace into a single
// space. It is used for cache keys, not for search.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
