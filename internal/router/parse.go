package router

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// newReqID tags the log lines of one request.
func newReqID() string { return uuid.NewString()[:8] }

// quotePairs maps an opening quote to its closing one. Phone keyboards turn
// straight quotes into typographic ones, so both are accepted.
var quotePairs = map[rune]rune{
	'"': '"',
	'\'': '\'',
	'“': '”',
	'‘': '’',
	'«': '»',
}

// splitArgs splits a command line on whitespace. A quote opens a quoted
// word only at the start of a word, so "don't" stays one token; a backslash
// escapes the next rune.
//
//	/suppress @bob "too loud" --for=30
func splitArgs(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		inWord  bool
		closing rune
		escaped bool
	)
	emit := func() {
		if inWord {
			out = append(out, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			inWord, escaped = true, false
		case r == '\\':
			escaped = true
		case closing != 0:
			if r == closing {
				closing = 0
				continue
			}
			cur.WriteRune(r)
		case !inWord && quotePairs[r] != 0:
			closing = quotePairs[r]
			inWord = true
		case unicode.IsSpace(r):
			emit()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	emit()
	return out
}

// splitFlags separates positionals from flags:
//
//	--key=value, -k=value   value flags
//	--name                  bool flag
//	-abc                    bool flags a, b and c
//	--                      everything after is positional
//
// Negative numbers ("-30") are positionals.
func splitFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i, a := range args {
		if a == "--" {
			pos = append(pos, args[i+1:]...)
			break
		}
		if len(a) < 2 || a[0] != '-' || isDigit(a[1]) {
			pos = append(pos, a)
			continue
		}
		long := strings.HasPrefix(a, "--")
		key := strings.TrimLeft(a, "-")
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if long {
			bools[key] = true
			continue
		}
		for _, c := range key {
			bools[string(c)] = true
		}
	}
	return pos, flags, bools
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
