package moderation

import "testing"

func TestKeywordsMatch(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		keywords []string
		text     string
		want     bool
	}{
		{"substring in token", []string{"bad"}, "this is bad!", true},
		{"no hit", []string{"bad"}, "good", false},
		{"case sensitive", []string{"bad"}, "BAD", false},
		{"empty list", nil, "bad", false},
		{"empty text", []string{"bad"}, "", false},
		{"empty keyword ignored", []string{""}, "anything", false},
		{"second keyword", []string{"foo", "bar"}, "xx barn", true},
		{"multi whitespace", []string{"bad"}, "  \tok\n  badge ", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Matches(tc.text, tc.keywords); got != tc.want {
				t.Fatalf("Matches(%q, %v) = %v, want %v", tc.text, tc.keywords, got, tc.want)
			}
		})
	}
}

func TestKeywordsMatchArgs(t *testing.T) {
	t.Parallel()
	kw := []string{"bad"}
	if !MatchesArgs([]any{"ok", "very-bad"}, kw) {
		t.Fatalf("expected arg hit")
	}
	if MatchesArgs([]any{42, nil, struct{}{}}, kw) {
		t.Fatalf("non-string args must never match")
	}
	if MatchesArgs(nil, kw) {
		t.Fatalf("no args must not match")
	}
	if MatchesArgs([]any{"bad"}, nil) {
		t.Fatalf("empty keyword list must not match")
	}
}

func TestNewKeywordsDropsBlank(t *testing.T) {
	t.Parallel()
	k := NewKeywords([]string{"a", "", "  ", "b"})
	if len(k) != 2 || k[0] != "a" || k[1] != "b" {
		t.Fatalf("NewKeywords = %v", k)
	}
}
