package moderation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action decides what happens on a keyword hit.
type Action int

const (
	ActionSuppressAndWarn Action = iota
	ActionSuppressSilent
	ActionWarnOnly
)

var actionNames = map[Action]string{
	ActionSuppressAndWarn: "suppress-and-warn",
	ActionSuppressSilent:  "suppress-silent",
	ActionWarnOnly:        "warn-only",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// Suppresses reports whether a hit arms a cooldown.
func (a Action) Suppresses() bool { return a != ActionWarnOnly }

// Warns reports whether the user gets a reply.
func (a Action) Warns() bool { return a != ActionSuppressSilent }

// ParseAction accepts the canonical names, their underscore forms and the
// legacy plugin labels. Empty selects the default, suppress-and-warn.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case "", "suppress-and-warn", "既封印又提示":
		return ActionSuppressAndWarn, nil
	case "suppress-silent", "仅封印无提示":
		return ActionSuppressSilent, nil
	case "warn-only", "仅提示":
		return ActionWarnOnly, nil
	}
	return 0, fmt.Errorf("unknown moderation action %q (want suppress-silent, warn-only or suppress-and-warn)", s)
}

const (
	DefaultCooldown    = 60 * time.Second
	DefaultPlaceholder = "{remaining}"
)

// Templates are the reply texts. Banned may carry Placeholder, replaced by
// the whole seconds left on the cooldown.
type Templates struct {
	Trigger       string
	Banned        string
	Reminder      string
	NaughtyMember string
	Forgive       string
	Placeholder   string
}

func DefaultTemplates() Templates {
	return Templates{
		Trigger:       "That was not nice. I'm ignoring you for a while.",
		Banned:        "Still upset with you. Come back in {remaining} seconds.",
		Reminder:      "Careful, that word is not welcome here.",
		NaughtyMember: "An admin put you in timeout. I'm ignoring you for a while.",
		Forgive:       "Alright, you're forgiven. Let's talk again.",
		Placeholder:   DefaultPlaceholder,
	}
}

// Policy is fixed for the lifetime of a Gate.
type Policy struct {
	Keywords        Keywords
	Action          Action
	Cooldown        time.Duration
	MentionRequired bool
	Templates       Templates
}

// renderBanned substitutes floor(remaining seconds) for the placeholder.
func (p Policy) renderBanned(remaining time.Duration) string {
	ph := p.Templates.Placeholder
	if ph == "" {
		ph = DefaultPlaceholder
	}
	secs := int64(remaining / time.Second)
	return strings.ReplaceAll(p.Templates.Banned, ph, strconv.FormatInt(secs, 10))
}

func (p Policy) cooldown() time.Duration {
	if p.Cooldown <= 0 {
		return DefaultCooldown
	}
	return p.Cooldown
}
