package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"guardbot/internal/broadcast"
	"guardbot/internal/moderation"
	"guardbot/internal/render"
	"guardbot/internal/retract"
	"guardbot/internal/router"
	"guardbot/internal/storage"
	"guardbot/internal/subscription"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

var ErrBroadcastDisabled = errors.New("broadcast is disabled")

// Core ties moderation, broadcasting and the inbound event hooks together.
// It is transport-agnostic: everything platform specific sits behind Sender.
type Core struct {
	log      logx.Logger
	gate     *moderation.Gate
	sender   transport.Sender
	replies  *render.Renderer
	retract  *retract.Scheduler
	store    storage.Store
	registry *subscription.Registrar

	// replyRetract deletes moderation replies after this delay; 0 keeps them.
	replyRetract time.Duration

	runCtx context.Context
	sched  *broadcast.Scheduler
	disp   *broadcast.Dispatcher
}

type CoreDeps struct {
	Log          logx.Logger
	Gate         *moderation.Gate
	Sender       transport.Sender
	Replies      *render.Renderer
	Retract      *retract.Scheduler
	Store        storage.Store
	Registrar    *subscription.Registrar
	ReplyRetract time.Duration
}

func NewCore(d CoreDeps) *Core {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	replies := d.Replies
	if replies == nil {
		replies = &render.Renderer{Log: log}
	}
	return &Core{
		log:          log,
		gate:         d.Gate,
		sender:       d.Sender,
		replies:      replies,
		retract:      d.Retract,
		store:        d.Store,
		registry:     d.Registrar,
		replyRetract: d.ReplyRetract,
		runCtx:       context.Background(),
	}
}

// attachBroadcast wires the scheduler once the app run context exists. Runs
// started later live under ctx, not under the caller's context.
func (c *Core) attachBroadcast(ctx context.Context, s *broadcast.Scheduler, d *broadcast.Dispatcher) {
	c.runCtx = ctx
	c.sched = s
	c.disp = d
}

// EvaluateIncoming judges one message or command and carries out the verdict:
// a Reply is sent quoting msg and armed for retraction.
func (c *Core) EvaluateIncoming(ctx context.Context, msg *transport.Message, args []string, isCommand bool) moderation.Verdict {
	in := moderation.Incoming{
		UserID:    msg.UserKey(),
		Text:      msg.Text,
		IsCommand: isCommand,
		Addressed: msg.AddressedToBot(),
	}
	if isCommand {
		in.Args = make([]any, len(args))
		for i, a := range args {
			in.Args[i] = a
		}
	}
	v := c.gate.Evaluate(in)
	if v.Kind == moderation.Reply {
		c.reply(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.ID, v.Text)
	}
	if v.Reason == moderation.ReasonKeyword || v.Reason == moderation.ReasonWarn {
		c.registry.Enqueue(subscription.TriggerKeyword, msg.FromID, msg.FromUsername, msg.FromName)
	}
	return v
}

func (c *Core) reply(ctx context.Context, to transport.ChatTarget, replyTo int, text string) {
	if text == "" {
		return
	}
	m := c.replies.Render(text)
	refs, err := render.Deliver(ctx, c.sender, to, m, &transport.SendOptions{ReplyTo: replyTo, DisablePreview: true})
	if err != nil {
		c.log.Warn("moderation reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
	c.retract.ArmAll(retract.ClassModeration, refs, c.replyRetract)
}

// OnMessage handles free text (and commands the router does not own).
func (c *Core) OnMessage(ctx context.Context, msg *transport.Message) {
	if msg == nil || msg.FromID == 0 {
		return
	}
	c.registry.Enqueue(subscription.TriggerSpeech, msg.FromID, msg.FromUsername, msg.FromName)
	c.EvaluateIncoming(ctx, msg, nil, false)
}

// OnCommandBeforeExecute gates a command; false means it must not run.
func (c *Core) OnCommandBeforeExecute(ctx context.Context, req *router.Request) bool {
	if req.Message == nil {
		return true
	}
	return !c.EvaluateIncoming(ctx, req.Message, req.RawArgs, true).Blocks()
}

func (c *Core) OnMemberJoined(_ context.Context, ev *transport.MemberEvent) {
	c.registry.Enqueue(subscription.TriggerJoin, ev.UserID, ev.Username, ev.Name)
}

func (c *Core) OnMemberLeft(_ context.Context, ev *transport.MemberEvent) {
	c.registry.Enqueue(subscription.TriggerLeave, ev.UserID, ev.Username, ev.Name)
}

// Actor identifies who issued an override, for replies and the audit log.
type Actor struct {
	UserID   int64
	Username string
	Chat     transport.ChatTarget
	// MessageID is quoted by the reply when set.
	MessageID int
}

// SuppressUser puts target on cooldown (custom > 0 overrides the policy
// duration) and announces it in the actor's chat.
func (c *Core) SuppressUser(ctx context.Context, by Actor, target int64, custom time.Duration) moderation.Verdict {
	v := c.gate.SuppressUser(strconv.FormatInt(target, 10), custom)
	c.reply(ctx, by.Chat, by.MessageID, v.Text)
	detail := ""
	if custom > 0 {
		detail = custom.String()
	}
	c.audit(ctx, by, "suppress", target, detail)
	return v
}

// ForgiveUser lifts any cooldown on target.
func (c *Core) ForgiveUser(ctx context.Context, by Actor, target int64) moderation.Verdict {
	v := c.gate.ForgiveUser(strconv.FormatInt(target, 10))
	c.reply(ctx, by.Chat, by.MessageID, v.Text)
	c.audit(ctx, by, "forgive", target, "")
	return v
}

func (c *Core) audit(ctx context.Context, by Actor, action string, target int64, detail string) {
	if c.store == nil {
		return
	}
	err := c.store.AppendAudit(ctx, storage.AuditEntry{
		At:            time.Now(),
		ActorID:       by.UserID,
		ActorUsername: by.Username,
		ChatID:        by.Chat.ChatID,
		Action:        action,
		Target:        strconv.FormatInt(target, 10),
		Detail:        detail,
	})
	if err != nil {
		c.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

// TriggerBroadcastNow runs the broadcast immediately and waits for it. The
// run itself is bound to the app lifetime: if ctx ends first the run keeps
// going and ctx.Err() is returned.
func (c *Core) TriggerBroadcastNow(ctx context.Context, trigger string) (broadcast.RunStatus, error) {
	if c.sched == nil {
		return broadcast.RunStatus{}, ErrBroadcastDisabled
	}
	type result struct {
		st  broadcast.RunStatus
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := c.sched.TriggerNow(c.runCtx, trigger)
		done <- result{st, err}
	}()
	select {
	case r := <-done:
		return r.st, r.err
	case <-ctx.Done():
		return broadcast.RunStatus{Trigger: trigger, Running: true}, ctx.Err()
	}
}

// ScheduleDailyBroadcasts arms the configured daily times.
func (c *Core) ScheduleDailyBroadcasts() ([]broadcast.Fire, error) {
	if c.sched == nil {
		return nil, ErrBroadcastDisabled
	}
	return c.sched.ScheduleDaily()
}

func (c *Core) BroadcastStatus(id string) (broadcast.RunStatus, bool) {
	if c.disp == nil {
		return broadcast.RunStatus{}, false
	}
	return c.disp.Status(id)
}

func (c *Core) RecentBroadcasts(n int) []broadcast.RunStatus {
	if c.disp == nil {
		return nil
	}
	return c.disp.Recent(n)
}

// httpAdmin exposes the broadcast controls to the observability server.
type httpAdmin struct{ core *Core }

func (h httpAdmin) TriggerBroadcastNow(ctx context.Context) (broadcast.RunStatus, error) {
	return h.core.TriggerBroadcastNow(ctx, "http")
}

func (h httpAdmin) BroadcastStatus(id string) (broadcast.RunStatus, bool) {
	return h.core.BroadcastStatus(id)
}

func (h httpAdmin) RecentBroadcasts(n int) []broadcast.RunStatus { return h.core.RecentBroadcasts(n) }
