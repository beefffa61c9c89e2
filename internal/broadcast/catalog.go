// Package broadcast sends catalog messages to every known recipient at
// fixed daily times or on demand.
package broadcast

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"

	"guardbot/internal/render"
)

var ErrNoMessages = errors.New("broadcast: catalog is empty")

// Catalog holds the candidate templates. Blank entries are dropped.
type Catalog struct {
	mu       sync.Mutex
	messages []string
	rnd      *rand.Rand
	renderer *render.Renderer
}

type CatalogOption func(*Catalog)

// WithRand pins the selection source (tests).
func WithRand(r *rand.Rand) CatalogOption { return func(c *Catalog) { c.rnd = r } }

func NewCatalog(messages []string, r *render.Renderer, opts ...CatalogOption) *Catalog {
	c := &Catalog{renderer: r}
	for _, m := range messages {
		if strings.TrimSpace(m) != "" {
			c.messages = append(c.messages, m)
		}
	}
	for _, o := range opts {
		o(c)
	}
	if c.renderer == nil {
		c.renderer = &render.Renderer{}
	}
	return c
}

func (c *Catalog) Len() int { return len(c.messages) }

// Pick returns one template chosen uniformly at random.
func (c *Catalog) Pick() (string, error) {
	if len(c.messages) == 0 {
		return "", ErrNoMessages
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var i int
	if c.rnd != nil {
		i = c.rnd.IntN(len(c.messages))
	} else {
		i = rand.IntN(len(c.messages))
	}
	return c.messages[i], nil
}

// PickAndRender picks a template and expands it into segments.
func (c *Catalog) PickAndRender() (render.Message, error) {
	tpl, err := c.Pick()
	if err != nil {
		return render.Message{}, err
	}
	return c.renderer.Render(tpl), nil
}
