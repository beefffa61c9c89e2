package tgui

import (
	"strings"
	"testing"
)

func TestEscaping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		got  H
		want string
	}{
		{Esc("a<b>&c"), "a&lt;b&gt;&amp;c"},
		{B("<x>"), "<b>&lt;x&gt;</b>"},
		{Code("1 & 2"), "<code>1 &amp; 2</code>"},
		{Mention("Eve <3", 42), `<a href="tg://user?id=42">Eve &lt;3</a>`},
		{Mention(" ", 42), `<a href="tg://user?id=42">42</a>`},
		{JoinH(", ", "a", " ", "b"), "a, b"},
	}
	for _, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("got %q want %q", tc.got, tc.want)
		}
	}
}

func TestCard(t *testing.T) {
	t.Parallel()
	c := NewCard("Status").Row("cooldowns", 3).Line(I("idle"))
	if c.Len() != 2 {
		t.Fatalf("rows = %d", c.Len())
	}
	want := "<b>Status</b>\ncooldowns: <code>3</code>\n<i>idle</i>"
	if got := c.HTML().String(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	long := NewCard("").Row("k", strings.Repeat("x", maxValueRunes+10)).HTML().String()
	if !strings.Contains(long, "…") {
		t.Fatalf("long value not truncated: %d bytes", len(long))
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
