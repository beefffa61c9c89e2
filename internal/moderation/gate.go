package moderation

import (
	"time"

	"guardbot/internal/eventbus"
	logx "guardbot/pkg/logx"
)

type VerdictKind int

const (
	Allow VerdictKind = iota
	Suppress
	Reply
)

func (k VerdictKind) String() string {
	switch k {
	case Suppress:
		return "suppress"
	case Reply:
		return "reply"
	default:
		return "allow"
	}
}

type Reason string

const (
	ReasonNone     Reason = ""
	ReasonKeyword  Reason = "keyword"
	ReasonCooldown Reason = "cooldown"
	ReasonWarn     Reason = "warn"
	ReasonOverride Reason = "override"
)

// Verdict is the gate's decision. Text is set only for Reply.
type Verdict struct {
	Kind   VerdictKind
	Text   string
	Reason Reason
}

// Blocks reports whether the message or command must not proceed.
func (v Verdict) Blocks() bool { return v.Kind != Allow }

// Incoming is one message or command to judge.
type Incoming struct {
	UserID string
	Text   string
	// Args are the command arguments; only string args are inspected.
	Args      []any
	IsCommand bool
	// Addressed is true when the message mentions or quotes the bot.
	Addressed bool
}

// Gate owns the cooldown store and applies the policy.
type Gate struct {
	policy  Policy
	store   *CooldownStore
	now     func() time.Time
	log     logx.Logger
	metrics *Metrics
	bus     eventbus.Bus
}

type GateOption func(*Gate)

func WithClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }
func WithLogger(log logx.Logger) GateOption     { return func(g *Gate) { g.log = log } }
func WithMetrics(m *Metrics) GateOption         { return func(g *Gate) { g.metrics = m } }
func WithBus(b eventbus.Bus) GateOption         { return func(g *Gate) { g.bus = b } }

func NewGate(p Policy, opts ...GateOption) *Gate {
	g := &Gate{policy: p, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.store = NewCooldownStore(g.now)
	g.metrics.registerActive(g.store)
	return g
}

func (g *Gate) Policy() Policy { return g.policy }

// ActiveCount is the number of users currently on cooldown.
func (g *Gate) ActiveCount() int { return g.store.Active() }

// Remaining reports how long user stays suppressed. Unlike Evaluate it never
// modifies the store.
func (g *Gate) Remaining(user string) (time.Duration, bool) { return g.store.remaining(user) }

// Evaluate runs the moderation steps in order: mention gate, active
// cooldown, keyword match, action.
func (g *Gate) Evaluate(in Incoming) Verdict {
	v := g.evaluate(in)
	g.metrics.verdict(v)
	if v.Kind != Allow {
		g.log.Debug("moderation verdict",
			logx.String("user", in.UserID),
			logx.String("verdict", v.Kind.String()),
			logx.String("reason", string(v.Reason)),
			logx.Bool("command", in.IsCommand),
		)
	}
	return v
}

func (g *Gate) evaluate(in Incoming) Verdict {
	p := g.policy
	if !in.IsCommand && p.MentionRequired && !in.Addressed {
		return Verdict{}
	}

	if remaining, ok := g.store.IsActive(in.UserID); ok {
		eventbus.Emit(g.bus, eventbus.ModerationBanned, in.UserID)
		if !p.Action.Warns() {
			return Verdict{Kind: Suppress, Reason: ReasonCooldown}
		}
		return Verdict{Kind: Reply, Text: p.renderBanned(remaining), Reason: ReasonCooldown}
	}

	var hit bool
	if in.IsCommand {
		hit = p.Keywords.MatchArgs(in.Args)
	} else {
		hit = p.Keywords.Match(in.Text)
	}
	if !hit {
		return Verdict{}
	}

	switch p.Action {
	case ActionWarnOnly:
		eventbus.Emit(g.bus, eventbus.ModerationWarned, in.UserID)
		return Verdict{Kind: Reply, Text: p.Templates.Reminder, Reason: ReasonWarn}
	case ActionSuppressSilent:
		g.store.Arm(in.UserID, p.cooldown())
		eventbus.Emit(g.bus, eventbus.ModerationTriggered, in.UserID)
		return Verdict{Kind: Suppress, Reason: ReasonKeyword}
	default:
		g.store.Arm(in.UserID, p.cooldown())
		eventbus.Emit(g.bus, eventbus.ModerationTriggered, in.UserID)
		return Verdict{Kind: Reply, Text: p.Templates.Trigger, Reason: ReasonKeyword}
	}
}

// SuppressUser arms a cooldown regardless of policy. custom > 0 sets an
// absolute expiry of now+custom, otherwise the policy duration applies.
func (g *Gate) SuppressUser(user string, custom time.Duration) Verdict {
	var until time.Time
	if custom > 0 {
		until = g.now().Add(custom)
		g.store.ArmAt(user, until)
	} else {
		until = g.store.Arm(user, g.policy.cooldown())
	}
	g.metrics.override("suppress")
	eventbus.Emit(g.bus, eventbus.ModerationOverride, "suppress:"+user)
	g.log.Info("user suppressed", logx.String("user", user), logx.Time("until", until))
	return Verdict{Kind: Reply, Text: g.policy.Templates.NaughtyMember, Reason: ReasonOverride}
}

// ForgiveUser releases any cooldown; releasing an absent record is fine.
func (g *Gate) ForgiveUser(user string) Verdict {
	had := g.store.Release(user)
	g.metrics.override("forgive")
	eventbus.Emit(g.bus, eventbus.ModerationOverride, "forgive:"+user)
	g.log.Info("user forgiven", logx.String("user", user), logx.Bool("had_cooldown", had))
	return Verdict{Kind: Reply, Text: g.policy.Templates.Forgive, Reason: ReasonOverride}
}
