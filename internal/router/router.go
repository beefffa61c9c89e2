// Package router dispatches inbound updates: commands and callbacks go to
// registered handlers, plain text and membership events go to hooks.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"guardbot/internal/runtime/supervisor"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
	"guardbot/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "broadcast now".
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
	// NoGate skips the BeforeExecute hook (help and other read-only commands).
	NoGate bool
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data "scope:action[:payload]".
// Callbacks are owner-only unless Public is set.
type CallbackRoute struct {
	Scope   string
	Action  string
	Public  bool
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  transport.Update
	Message *transport.Message // nil for callbacks
	Chat    transport.ChatTarget
	FromID  int64
	Path    []string
	Command string
	Args    []string
	Payload string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat, quoting the command message.
func (r *Request) Reply(ctx context.Context, text string) (transport.MessageRef, error) {
	opt := &transport.SendOptions{DisablePreview: true}
	if r.Message != nil {
		opt.ReplyTo = r.Message.ID
	}
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

func (r *Request) log(fallback logx.Logger) logx.Logger {
	if r == nil || r.Logger.IsZero() {
		return fallback
	}
	return r.Logger
}

// ReplyHTML is Reply with Telegram HTML formatting.
func (r *Request) ReplyHTML(ctx context.Context, h tgui.H) (transport.MessageRef, error) {
	opt := &transport.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true}
	if r.Message != nil {
		opt.ReplyTo = r.Message.ID
	}
	return r.Adapter.SendText(ctx, r.Chat, h.String(), opt)
}

// Hooks connect the router to the rest of the bot. Any of them may be nil.
type Hooks struct {
	// Observe sees every update synchronously, before routing.
	Observe func(ctx context.Context, up transport.Update)
	// BeforeExecute runs on a worker before a gated command; false drops the command.
	BeforeExecute func(ctx context.Context, req *Request) bool
	// OnMessage receives non-command text and unknown commands.
	OnMessage func(ctx context.Context, msg *transport.Message)
	// OnMember receives join and leave events.
	OnMember func(ctx context.Context, kind transport.UpdateKind, ev *transport.MemberEvent)
}

type Router struct {
	mu     sync.RWMutex
	root   *routeNode
	alias  map[string]*routeNode
	owners []int64
	cmds   []Command

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute

	log     logx.Logger
	adapter transport.Adapter
	hooks   Hooks
	workers int

	jobs chan func()
}

type Option func(*Router)

func WithHooks(h Hooks) Option   { return func(r *Router) { r.hooks = h } }
func WithWorkers(n int) Option   { return func(r *Router) { r.workers = n } }
func WithQueueSize(n int) Option { return func(r *Router) { r.jobs = make(chan func(), n) } }

func New(log logx.Logger, adapter transport.Adapter, owners []int64, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		root:      newRouteTree(),
		alias:     map[string]*routeNode{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    slices.Clone(owners),
		log:       log,
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	if r.workers <= 0 {
		r.workers = max(runtime.NumCPU(), 2)
	}
	return r
}

// SetOwners replaces the owner list; safe during hot reload.
func (m *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.owners)
}

func (m *Router) IsOwner(id int64) bool { return slices.Contains(m.ownersSnapshot(), id) }

// SetRegistry installs commands and callbacks. /help is always added.
func (m *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show commands",
		Usage:       "/help [cmd]",
		NoGate:      true,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, m.helpText(req.Args, m.IsOwner(req.FromID)),
				&transport.SendOptions{DisablePreview: true, ParseMode: tgui.ParseMode})
			return err
		},
	})

	root := newRouteTree()
	alias := map[string]*routeNode{}
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := routeWords(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.insert(route, c)
		kept = append(kept, c)
		// Multi-token routes also answer to their Telegram-safe /a_b form.
		if menu, ok := routeCommand(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := commandName(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, r := range cbs {
		s, a := strings.TrimSpace(r.Scope), strings.TrimSpace(r.Action)
		if s == "" || a == "" || r.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = r
	}

	m.mu.Lock()
	m.root, m.alias, m.cmds = root, alias, kept
	m.mu.Unlock()

	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

// PublishMenu pushes the command list to the platform's autocomplete menu.
func (m *Router) PublishMenu(ctx context.Context) error {
	up, ok := m.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	menu := buildMenuCommands(m.root, m.cmds)
	m.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed. Handlers
// run on a bounded worker pool under its own supervisor.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

// Route handles one update. Handlers are queued for the worker pool.
func (m *Router) Route(ctx context.Context, up transport.Update) {
	if m.hooks.Observe != nil {
		m.hooks.Observe(ctx, up)
	}
	switch up.Kind {
	case transport.UpdateMessage:
		m.routeMessage(ctx, up)
	case transport.UpdateCallback:
		m.routeCallback(ctx, up)
	case transport.UpdateMemberJoined, transport.UpdateMemberLeft:
		if up.Member != nil && m.hooks.OnMember != nil {
			kind, ev := up.Kind, up.Member
			m.enqueueOrDrop(func() { m.hooks.OnMember(ctx, kind, ev) })
		}
	}
}

func (m *Router) enqueueOrDrop(fn func()) {
	if !m.tryEnqueue(fn) {
		m.log.Warn("router queue full; dropping update")
	}
}

func (m *Router) freeText(ctx context.Context, msg *transport.Message) {
	if m.hooks.OnMessage == nil {
		return
	}
	m.enqueueOrDrop(func() { m.hooks.OnMessage(ctx, msg) })
}

func (m *Router) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		m.freeText(ctx, msg)
		return
	}

	words := splitArgs(text)
	if len(words) == 0 {
		return
	}
	// "/broadcast@guard_bot now" -> "broadcast"
	name, target, _ := strings.Cut(strings.TrimPrefix(words[0], "/"), "@")
	if m.addressedElsewhere(target) {
		m.freeText(ctx, msg)
		return
	}
	words[0] = name

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := alias[words[0]]; ok && leaf.cmd != nil {
		args := words[1:]
		pos, flags, bools := splitFlags(args)
		m.enqueueCommand(ctx, up, *leaf.cmd, routeWords(leaf.cmd.Route), pos, args, flags, bools)
		return
	}

	cur, path, args := root.match(words)
	if cur == nil {
		// not ours: still subject to moderation
		m.freeText(ctx, msg)
		return
	}
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
			m.helpText(path, m.IsOwner(msg.FromID)), &transport.SendOptions{DisablePreview: true, ParseMode: tgui.ParseMode})
		return
	}
	pos, flags, bools := splitFlags(args)
	m.enqueueCommand(ctx, up, *cur.cmd, path, pos, args, flags, bools)
}

// addressedElsewhere reports whether "/cmd@target" names another bot. It is
// false when the adapter cannot tell its own username.
func (m *Router) addressedElsewhere(target string) bool {
	if target == "" {
		return false
	}
	self, ok := m.adapter.(interface{ Username() string })
	if !ok || self.Username() == "" {
		return false
	}
	return !strings.EqualFold(target, self.Username())
}

func (m *Router) enqueueCommand(ctx context.Context, up transport.Update, cmd Command, path, args, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !m.IsOwner(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", &transport.SendOptions{ReplyTo: msg.ID})
		return
	}

	rid := newReqID()
	req := &Request{
		Update:    up,
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      args,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	gate := m.hooks.BeforeExecute
	if cmd.NoGate {
		gate = nil
	}
	h := chain(cmd.Handle,
		recoverPanics(m.log),
		logRequests(m.log),
		withTimeout(cmd.Timeout),
		gated(gate),
	)
	if !m.tryEnqueue(func() { _ = h(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func (m *Router) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action, payload := parts[0], parts[1], ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	m.cbMu.RLock()
	route, ok := m.callbacks[scope][action]
	m.cbMu.RUnlock()
	if !ok {
		return
	}
	if !route.Public && !m.IsOwner(cb.FromID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	rid := newReqID()
	key := "cb:" + scope + ":" + action
	req := &Request{
		Update:  up,
		Chat:    transport.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: key,
		Payload: payload,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID),
			logx.String("cmd", key),
		),
	}
	h := chain(func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) },
		recoverPanics(m.log),
		logRequests(m.log),
		withTimeout(route.Timeout),
	)
	if !m.tryEnqueue(func() {
		_ = h(ctx, req)
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}
