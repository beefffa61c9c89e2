package tgui

import "fmt"

// maxValueRunes keeps one long value from pushing a card past a message.
const maxValueRunes = 200

// Card is a titled list of "key: value" rows, used for operator status replies.
type Card struct {
	title string
	rows  []H
}

func NewCard(title string) *Card { return &Card{title: title} }

// Row adds "key: value" with the value in monospace.
func (c *Card) Row(key string, value any) *Card {
	c.rows = append(c.rows, JoinH(": ", Esc(key), Code(TruncRunes(fmt.Sprint(value), maxValueRunes))))
	return c
}

// Line adds a preformatted row as is.
func (c *Card) Line(h H) *Card {
	c.rows = append(c.rows, h)
	return c
}

func (c *Card) Len() int { return len(c.rows) }

func (c *Card) HTML() H {
	parts := make([]H, 0, len(c.rows)+1)
	if c.title != "" {
		parts = append(parts, B(c.title))
	}
	parts = append(parts, c.rows...)
	return JoinH("\n", parts...)
}
