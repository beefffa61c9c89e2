package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	texts    []string
	answered []string
}

func (a *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                          { return nil }
func (a *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}
func (a *fakeAdapter) SendImage(ctx context.Context, to transport.ChatTarget, img transport.Image, opt *transport.SendOptions) (transport.MessageRef, error) {
	return a.SendText(ctx, to, "[image]", opt)
}
func (a *fakeAdapter) Delete(context.Context, transport.MessageRef) error { return nil }
func (a *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (a *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered = append(a.answered, text)
	return nil
}

func (a *fakeAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func msgUpdate(from int64, text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 1, ChatID: -10, ChatKind: transport.ChatGroup, FromID: from, Text: text,
	}}
}

func startRouter(t *testing.T, r *Router) chan<- transport.Update {
	t.Helper()
	ch := make(chan transport.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, ch)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func TestSplitArgs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{`/suppress @bob "a b" --for=30 -v`, []string{"/suppress", "@bob", "a b", "--for=30", "-v"}},
		{`/say don't stop`, []string{"/say", "don't", "stop"}},
		{`/say “smart quotes” ok`, []string{"/say", "smart quotes", "ok"}},
		{`/say a\ b ""`, []string{"/say", "a b", ""}},
		{"  ", nil},
	}
	for _, tc := range cases {
		if got := splitArgs(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitArgs(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplitFlags(t *testing.T) {
	t.Parallel()
	pos, flags, bools := splitFlags([]string{"@bob", "a b", "--for=30", "-v", "--dry", "-xy"})
	if !reflect.DeepEqual(pos, []string{"@bob", "a b"}) || flags["for"] != "30" {
		t.Fatalf("pos=%q flags=%v", pos, flags)
	}
	for _, b := range []string{"v", "dry", "x", "y"} {
		if !bools[b] {
			t.Fatalf("missing bool %q in %v", b, bools)
		}
	}
	pos, _, bools = splitFlags([]string{"-30", "--", "--not-a-flag"})
	if !reflect.DeepEqual(pos, []string{"-30", "--not-a-flag"}) || len(bools) != 0 {
		t.Fatalf("pos=%q bools=%v", pos, bools)
	}
}

func TestRouteMatch(t *testing.T) {
	t.Parallel()
	root := newRouteTree()
	root.insert([]string{"broadcast", "now"}, Command{Route: "broadcast now"})
	root.insert([]string{"status"}, Command{Route: "status"})

	cases := []struct {
		words    []string
		wantPath []string
		wantRest []string
		runnable bool
	}{
		{[]string{"broadcast", "now", "x"}, []string{"broadcast", "now"}, []string{"x"}, true},
		{[]string{"broadcast", "-v", "now"}, []string{"broadcast"}, []string{"-v", "now"}, false},
		{[]string{"status", "now"}, []string{"status"}, []string{"now"}, true},
	}
	for _, tc := range cases {
		n, path, rest := root.match(tc.words)
		if n == nil || !reflect.DeepEqual(path, tc.wantPath) || !reflect.DeepEqual(rest, tc.wantRest) || (n.cmd != nil) != tc.runnable {
			t.Fatalf("match(%q) = %v %q %q", tc.words, n, path, rest)
		}
	}
	if n, _, _ := root.match([]string{"nope"}); n != nil {
		t.Fatalf("unknown word matched")
	}
}

func TestCommandName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Broadcast-Now": "broadcast_now",
		"a  b":          "a_b",
		"9lives":        "cmd_9lives",
		"!!!":           "",
	}
	for in, want := range cases {
		if got := commandName(in); got != want {
			t.Fatalf("commandName(%q) = %q want %q", in, got, want)
		}
	}
}

func TestCommandAccessAndGate(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	var (
		mu      sync.Mutex
		ran     []string
		free    []string
		blocked = map[int64]bool{3: true}
	)
	record := func(s *[]string, v string) {
		mu.Lock()
		*s = append(*s, v)
		mu.Unlock()
	}
	r := New(logx.Nop(), a, []int64{1}, WithWorkers(1), WithHooks(Hooks{
		BeforeExecute: func(_ context.Context, req *Request) bool { return !blocked[req.FromID] },
		OnMessage:     func(_ context.Context, m *transport.Message) { record(&free, m.Text) },
	}))
	r.SetRegistry([]Command{
		{Route: "ping", Aliases: []string{"p"}, Handle: func(_ context.Context, req *Request) error {
			record(&ran, "ping:"+strings.Join(req.Args, ","))
			return nil
		}},
		{Route: "broadcast now", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error {
			record(&ran, "broadcast")
			return nil
		}},
	}, nil)
	in := startRouter(t, r)

	in <- msgUpdate(2, "/p x y")
	in <- msgUpdate(2, "/broadcast_now")
	in <- msgUpdate(1, "/broadcast@guard_bot now")
	in <- msgUpdate(3, "/ping")
	in <- msgUpdate(2, "hello there")
	in <- msgUpdate(2, "/other_bot_cmd arg")

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2 && len(free) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if ran[0] != "ping:x,y" && ran[1] != "ping:x,y" {
		t.Fatalf("ran = %q", ran)
	}
	if free[0] != "hello there" || free[1] != "/other_bot_cmd arg" {
		t.Fatalf("free = %q", free)
	}
	if got := a.sent(); len(got) != 1 || got[0] != "unauthorized" {
		t.Fatalf("sent = %q", got)
	}
}

func TestHelpHidesAdminCommands(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), &fakeAdapter{}, []int64{1})
	r.SetRegistry([]Command{
		{Route: "status", Description: "show status", Handle: func(context.Context, *Request) error { return nil }},
		{Route: "forgive", Access: AccessOwnerOnly, Description: "lift a cooldown", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)
	if txt := r.helpText(nil, false); strings.Contains(txt, "forgive") || !strings.Contains(txt, "/status") {
		t.Fatalf("public help = %q", txt)
	}
	if txt := r.helpText(nil, true); !strings.Contains(txt, "forgive") {
		t.Fatalf("owner help = %q", txt)
	}
	if txt := r.helpText([]string{"forgive"}, true); !strings.Contains(txt, "lift a cooldown") {
		t.Fatalf("node help = %q", txt)
	}
}

func TestCallbackAccess(t *testing.T) {
	t.Parallel()
	a := &fakeAdapter{}
	got := make(chan string, 2)
	r := New(logx.Nop(), a, []int64{1}, WithWorkers(1))
	r.SetRegistry(nil, []CallbackRoute{{
		Scope: "broadcast", Action: "now",
		Handle: func(_ context.Context, _ *Request, payload string) error {
			got <- payload
			return nil
		},
	}})
	in := startRouter(t, r)

	in <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "c1", FromID: 2, Data: "broadcast:now"}}
	in <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "c2", FromID: 1, Data: "broadcast:now:x"}}
	select {
	case p := <-got:
		if p != "x" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("owner callback not handled")
	}
	eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.answered) == 2
	})
	if a.answered[0] != "forbidden" {
		t.Fatalf("answers = %q", a.answered)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), &fakeAdapter{}, nil)
	r.SetRegistry([]Command{
		{Route: "broadcast now", Access: AccessOwnerOnly, Description: "send now", Handle: func(context.Context, *Request) error { return nil }},
	}, nil)
	menu := buildMenuCommands(r.root, r.cmds)
	names := make([]string, 0, len(menu))
	for _, c := range menu {
		names = append(names, c.Command)
	}
	if !reflect.DeepEqual(names, []string{"broadcast", "help", "broadcast_now"}) {
		t.Fatalf("menu = %q", names)
	}
}

type namedAdapter struct {
	fakeAdapter
	name string
}

func (a *namedAdapter) Username() string { return a.name }

func TestCommandForOtherBotIsFreeText(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		ran  int
		free []string
	)
	r := New(logx.Nop(), &namedAdapter{name: "guard_bot"}, nil, WithWorkers(1), WithHooks(Hooks{
		OnMessage: func(_ context.Context, m *transport.Message) {
			mu.Lock()
			free = append(free, m.Text)
			mu.Unlock()
		},
	}))
	r.SetRegistry([]Command{
		{Route: "status", Handle: func(context.Context, *Request) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}},
	}, nil)
	in := startRouter(t, r)

	in <- msgUpdate(2, "/status@guard_bot")
	in <- msgUpdate(2, "/status@Guard_Bot")
	in <- msgUpdate(2, "/status@OtherBot")
	in <- msgUpdate(2, "/status")

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 3 && len(free) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if free[0] != "/status@OtherBot" {
		t.Fatalf("free = %q", free)
	}
}
