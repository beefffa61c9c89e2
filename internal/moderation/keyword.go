package moderation

import "strings"

// Keywords is a banned-keyword list. Matching is a case-sensitive literal
// substring test per whitespace-delimited token.
type Keywords []string

// NewKeywords drops empty and whitespace-only entries.
func NewKeywords(list []string) Keywords {
	out := make(Keywords, 0, len(list))
	for _, k := range list {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Match reports whether any token of text contains any keyword.
func (k Keywords) Match(text string) bool {
	if len(k) == 0 || text == "" {
		return false
	}
	for _, tok := range strings.Fields(text) {
		if k.token(tok) {
			return true
		}
	}
	return false
}

// MatchArgs checks already-tokenized command arguments. Non-string args never match.
func (k Keywords) MatchArgs(args []any) bool {
	if len(k) == 0 {
		return false
	}
	for _, a := range args {
		s, ok := a.(string)
		if !ok || s == "" {
			continue
		}
		if k.token(s) {
			return true
		}
	}
	return false
}

func (k Keywords) token(tok string) bool {
	for _, kw := range k {
		if kw != "" && strings.Contains(tok, kw) {
			return true
		}
	}
	return false
}

// Matches is the functional form of Keywords.Match.
func Matches(text string, keywords []string) bool {
	return NewKeywords(keywords).Match(text)
}

// MatchesArgs is the functional form of Keywords.MatchArgs.
func MatchesArgs(args []any, keywords []string) bool {
	return NewKeywords(keywords).MatchArgs(args)
}
