package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guardbot/internal/broadcast"
	"guardbot/internal/retract"
	"guardbot/internal/router"
	"guardbot/internal/transport"
	telegram "guardbot/internal/transport/telegram/adapter"
	"guardbot/pkg/tgui"
)

// adminCommands are the owner-only operator commands.
func (a *App) adminCommands() []router.Command {
	return []router.Command{
		{
			Route:       "suppress",
			Aliases:     []string{"mute"},
			Description: "ignore a user for a while",
			Usage:       "/suppress <@user|id> [seconds] (or reply to their message)",
			Access:      router.AccessOwnerOnly,
			NoGate:      true,
			Timeout:     10 * time.Second,
			Handle:      a.cmdSuppress,
		},
		{
			Route:       "forgive",
			Aliases:     []string{"unmute"},
			Description: "lift a user's cooldown",
			Usage:       "/forgive <@user|id> (or reply to their message)",
			Access:      router.AccessOwnerOnly,
			NoGate:      true,
			Timeout:     10 * time.Second,
			Handle:      a.cmdForgive,
		},
		{
			Route:       "broadcast now",
			Description: "send a broadcast immediately",
			Access:      router.AccessOwnerOnly,
			NoGate:      true,
			Handle:      a.cmdBroadcastNow,
		},
		{
			Route:       "broadcast panel",
			Description: "post a send-now button",
			Access:      router.AccessOwnerOnly,
			NoGate:      true,
			Timeout:     10 * time.Second,
			Handle:      a.cmdBroadcastPanel,
		},
		{
			Route:       "broadcast status",
			Description: "show recent broadcast runs",
			Access:      router.AccessOwnerOnly,
			NoGate:      true,
			Timeout:     10 * time.Second,
			Handle:      a.cmdBroadcastStatus,
		},
		{
			Route:       "status",
			Description: "cooldowns, pending timers and next broadcasts",
			Access:      router.AccessOwnerOnly,
			NoGate:      true,
			Timeout:     10 * time.Second,
			Handle:      a.cmdStatus,
		},
	}
}

func (a *App) callbackRoutes() []router.CallbackRoute {
	return []router.CallbackRoute{{
		Scope:  "broadcast",
		Action: "now",
		Handle: func(ctx context.Context, req *router.Request, _ string) error {
			return a.runBroadcastFor(ctx, req, "panel")
		},
	}}
}

func actorOf(req *router.Request) Actor {
	act := Actor{UserID: req.FromID, Chat: req.Chat}
	if req.Message != nil {
		act.Username = req.Message.FromUsername
		act.MessageID = req.Message.ID
	}
	return act
}

// resolveTarget takes the user from a replied-to message, else from the first
// argument. It returns the arguments left over.
func (a *App) resolveTarget(ctx context.Context, req *router.Request) (int64, []string, error) {
	args := req.Args
	if m := req.Message; m != nil && m.ReplyToFromID != 0 {
		if len(args) == 0 || !looksLikeUser(args[0]) {
			return m.ReplyToFromID, args, nil
		}
	}
	if len(args) == 0 {
		return 0, nil, errors.New("who? give @username, a user id, or reply to their message")
	}
	id, ok, err := a.dir.ResolveUser(ctx, args[0])
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, fmt.Errorf("unknown user %s (they must have spoken where I can see)", args[0])
	}
	return id, args[1:], nil
}

func looksLikeUser(s string) bool {
	if strings.HasPrefix(s, "@") {
		return true
	}
	// a bare number after a reply is a duration, not a user id
	_, err := strconv.ParseInt(s, 10, 64)
	return err != nil
}

func (a *App) cmdSuppress(ctx context.Context, req *router.Request) error {
	target, rest, err := a.resolveTarget(ctx, req)
	if err != nil {
		_, _ = req.Reply(ctx, err.Error())
		return nil
	}
	var custom time.Duration
	if len(rest) > 0 {
		secs, err := strconv.Atoi(rest[0])
		if err != nil || secs <= 0 {
			_, _ = req.Reply(ctx, "seconds must be a positive number")
			return nil
		}
		custom = time.Duration(secs) * time.Second
	}
	a.core.SuppressUser(ctx, actorOf(req), target, custom)
	return nil
}

func (a *App) cmdForgive(ctx context.Context, req *router.Request) error {
	target, _, err := a.resolveTarget(ctx, req)
	if err != nil {
		_, _ = req.Reply(ctx, err.Error())
		return nil
	}
	a.core.ForgiveUser(ctx, actorOf(req), target)
	return nil
}

func (a *App) cmdBroadcastNow(ctx context.Context, req *router.Request) error {
	return a.runBroadcastFor(ctx, req, "command")
}

func (a *App) runBroadcastFor(ctx context.Context, req *router.Request, trigger string) error {
	if _, err := req.Reply(ctx, "broadcast started"); err != nil {
		req.Logger.Debug("ack failed")
	}
	st, err := a.core.TriggerBroadcastNow(ctx, trigger)
	a.core.audit(ctx, actorOf(req), "broadcast_now", 0, st.ID)
	switch {
	case errors.Is(err, broadcast.ErrRunInProgress):
		_, _ = req.Reply(ctx, "a broadcast is already running")
	case err != nil:
		_, _ = req.Reply(ctx, "broadcast failed: "+err.Error())
	default:
		_, _ = req.Reply(ctx, formatRun(st))
	}
	return nil
}

func (a *App) cmdBroadcastPanel(ctx context.Context, req *router.Request) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, "Broadcast controls", &transport.SendOptions{
		ReplyMarkupAdapter: telegram.SendNowMarkup("Send now", "broadcast", "now"),
	})
	return err
}

func (a *App) cmdBroadcastStatus(ctx context.Context, req *router.Request) error {
	runs := a.core.RecentBroadcasts(5)
	if len(runs) == 0 {
		_, err := req.Reply(ctx, "no broadcasts yet")
		return err
	}
	card := tgui.NewCard("Recent broadcasts")
	for _, st := range runs {
		card.Line(tgui.Code(formatRun(st)))
	}
	_, err := req.ReplyHTML(ctx, card.HTML())
	return err
}

func formatRun(st broadcast.RunStatus) string {
	state := "done"
	if st.Running {
		state = "running"
	}
	short := st.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s [%s] %s: sent %d, failed %d, skipped %d of %d",
		short, st.Trigger, state, st.Sent, st.Failed, st.Skipped, st.Total)
}

func (a *App) cmdStatus(ctx context.Context, req *router.Request) error {
	card := tgui.NewCard("Status").
		Row("active cooldowns", a.gate.ActiveCount()).
		Row("pending retractions (moderation)", a.retractor.Pending(retract.ClassModeration)).
		Row("pending retractions (private)", a.retractor.Pending(retract.ClassPrivate)).
		Row("pending retractions (group)", a.retractor.Pending(retract.ClassGroup)).
		Row("timers", a.timers.Len())
	if a.sched != nil {
		fires := a.sched.Upcoming()
		if len(fires) == 0 {
			card.Row("next broadcast", "none armed")
		}
		loc := time.Local
		if a.job.Location != nil {
			loc = a.job.Location
		}
		for _, f := range fires {
			card.Row("next broadcast", f.At.In(loc).Format("2006-01-02 15:04 MST"))
		}
		if a.disp.Running() {
			card.Line(tgui.I("a broadcast is sending right now"))
		}
	}
	_, err := req.ReplyHTML(ctx, card.HTML())
	return err
}
