package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"guardbot/internal/config"
	"guardbot/internal/moderation"
	"guardbot/internal/router"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
)

type sent struct {
	to      kit.ChatTarget
	text    string
	replyTo int
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	deleted []kit.MessageRef
	nextID  int
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{to: to, text: text}
	if opt != nil {
		s.replyTo = opt.ReplyTo
	}
	f.sent = append(f.sent, s)
	f.nextID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID, SentAt: time.Now()}, nil
}

func (f *fakeAdapter) SendImage(ctx context.Context, to kit.ChatTarget, _ kit.Image, opt *kit.SendOptions) (kit.MessageRef, error) {
	return f.SendText(ctx, to, "[image]", opt)
}

func (f *fakeAdapter) Delete(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

func (f *fakeAdapter) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
		Logging:  config.LoggingConfig{Level: "error"},
		Moderation: config.ModerationConfig{
			Keywords:        []string{"spam"},
			Action:          "suppress-and-warn",
			CooldownSeconds: 60,
			TriggerMessage:  "stop it",
			BannedMessage:   "wait {remaining}s",
			ForgiveMessage:  "forgiven",
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *fakeAdapter) {
	t.Helper()
	ad := &fakeAdapter{}
	a, err := build(nil, cfg, ad)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })
	return a, ad
}

func groupMsg(from int64, id int, text string) *kit.Message {
	return &kit.Message{ID: id, ChatID: -100, ChatKind: kit.ChatGroup, FromID: from, FromUsername: "u", Text: text}
}

func TestOnMessageKeywordThenCooldown(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t, testConfig())
	ctx := context.Background()

	a.core.OnMessage(ctx, groupMsg(7, 10, "buy spam now"))
	a.core.OnMessage(ctx, groupMsg(7, 11, "hello"))
	a.core.OnMessage(ctx, groupMsg(8, 12, "hello"))

	got := ad.texts()
	if len(got) != 2 || got[0] != "stop it" || !strings.HasPrefix(got[1], "wait ") {
		t.Fatalf("sent = %q", got)
	}
	if ad.sent[0].replyTo != 10 || ad.sent[1].replyTo != 11 {
		t.Fatalf("replies must quote the message: %+v", ad.sent)
	}
}

func TestCommandGate(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	ctx := context.Background()

	req := &router.Request{Message: groupMsg(7, 1, "/ping spam"), RawArgs: []string{"spam"}}
	if a.core.OnCommandBeforeExecute(ctx, req) {
		t.Fatalf("keyword in args must block the command")
	}
	clean := &router.Request{Message: groupMsg(7, 2, "/ping"), RawArgs: nil}
	if a.core.OnCommandBeforeExecute(ctx, clean) {
		t.Fatalf("user on cooldown must be blocked")
	}
	other := &router.Request{Message: groupMsg(9, 3, "/ping")}
	if !a.core.OnCommandBeforeExecute(ctx, other) {
		t.Fatalf("clean command blocked")
	}
}

func TestMentionRequired(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Moderation.MentionRequired = true
	a, ad := newTestApp(t, cfg)
	ctx := context.Background()

	a.core.OnMessage(ctx, groupMsg(7, 1, "spam"))
	if len(ad.texts()) != 0 {
		t.Fatalf("unaddressed message must be ignored")
	}
	m := groupMsg(7, 2, "spam")
	m.MentionsBot = true
	a.core.OnMessage(ctx, m)
	if got := ad.texts(); len(got) != 1 || got[0] != "stop it" {
		t.Fatalf("sent = %q", got)
	}
}

func TestSuppressAndForgiveAreAudited(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t, testConfig())
	ctx := context.Background()
	by := Actor{UserID: 1, Username: "boss", Chat: kit.ChatTarget{ChatID: -100}}

	v := a.core.SuppressUser(ctx, by, 42, 30*time.Second)
	if v.Kind != moderation.Reply {
		t.Fatalf("verdict = %+v", v)
	}
	if rem, ok := a.gate.Remaining("42"); !ok || rem > 30*time.Second {
		t.Fatalf("cooldown = %v %v", rem, ok)
	}
	a.core.ForgiveUser(ctx, by, 42)
	if _, ok := a.gate.Remaining("42"); ok {
		t.Fatalf("forgive left cooldown")
	}
	if got := ad.texts(); got[len(got)-1] != "forgiven" {
		t.Fatalf("sent = %q", got)
	}

	mem, ok := a.store.(*storage.Memory)
	if !ok {
		t.Fatalf("store = %T", a.store)
	}
	audit := mem.Audit()
	if len(audit) != 2 || audit[0].Action != "suppress" || audit[0].Detail != "30s" || audit[1].Action != "forgive" || audit[1].Target != "42" {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestModerationRepliesAreRetracted(t *testing.T) {
	t.Parallel()
	a, ad := newTestApp(t, testConfig())
	a.core.replyRetract = 20 * time.Millisecond

	a.core.OnMessage(context.Background(), groupMsg(7, 1, "spam"))
	deadline := time.Now().Add(2 * time.Second)
	for ad.deletedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reply never retracted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastDisabled(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	if _, err := a.core.TriggerBroadcastNow(context.Background(), "test"); !errors.Is(err, ErrBroadcastDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartBroadcastAndStop(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Broadcast = config.BroadcastConfig{
		Enabled:    true,
		Messages:   []string{`hi\nthere`},
		DailyTimes: []string{"03:00"},
		ToFriends:  true,
		ToGroups:   true,
		Timezone:   "UTC",
	}
	a, ad := newTestApp(t, cfg)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.dir.Observe(ctx, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, ChatKind: kit.ChatPrivate, FromID: 5}})
	a.dir.Observe(ctx, kit.Update{Kind: kit.UpdateMessage, Message: groupMsg(6, 1, "x")})

	st, err := a.core.TriggerBroadcastNow(ctx, "test")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if st.Sent != 2 || st.Failed != 0 {
		t.Fatalf("status = %+v", st)
	}
	if got := ad.texts(); len(got) != 2 || got[0] != "hi\nthere" {
		t.Fatalf("sent = %q", got)
	}
	if _, ok := a.core.BroadcastStatus(st.ID); !ok {
		t.Fatalf("run %s not recorded", st.ID)
	}
	if a.timers.Len() != 1 {
		t.Fatalf("daily timer not armed: %d", a.timers.Len())
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.timers.Len() != 0 {
		t.Fatalf("timers left after stop: %d", a.timers.Len())
	}
}

func TestApplyConfigUpdatesOwners(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	a, _ := newTestApp(t, cfg)

	next := *cfg
	next.Telegram.OwnerUserIDs = []int64{1, 99}
	a.applyConfig(cfg, &next)
	if !a.router.IsOwner(99) {
		t.Fatalf("owner list not updated")
	}
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	ctx := context.Background()
	a.dir.Observe(ctx, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -1, ChatKind: kit.ChatGroup, FromID: 77, FromUsername: "Eve"}})

	cases := []struct {
		name string
		msg  *kit.Message
		args []string
		want int64
		rest int
	}{
		{"username", &kit.Message{}, []string{"@eve", "30"}, 77, 1},
		{"numeric id", &kit.Message{}, []string{"123"}, 123, 0},
		{"reply with seconds", &kit.Message{ReplyToFromID: 55}, []string{"30"}, 55, 1},
		{"reply overridden by username", &kit.Message{ReplyToFromID: 55}, []string{"@eve"}, 77, 0},
	}
	for _, tc := range cases {
		id, rest, err := a.resolveTarget(ctx, &router.Request{Message: tc.msg, Args: tc.args})
		if err != nil || id != tc.want || len(rest) != tc.rest {
			t.Fatalf("%s: id=%d rest=%q err=%v", tc.name, id, rest, err)
		}
	}
	if _, _, err := a.resolveTarget(ctx, &router.Request{Message: &kit.Message{}, Args: []string{"@nobody"}}); err == nil {
		t.Fatalf("unknown user resolved")
	}
}

func TestHealthy(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig())
	if a.Healthy() {
		t.Fatalf("healthy before start")
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !a.Healthy() {
		t.Fatalf("not healthy after start")
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, StopAppStop)
	if a.Healthy() {
		t.Fatalf("healthy after stop")
	}
}

func TestModerationRepliesUseImageConversion(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Broadcast.ImageConversion = true
	a, ad := newTestApp(t, cfg)

	a.core.OnMessage(context.Background(), groupMsg(7, 1, "spam"))
	if got := ad.texts(); len(got) != 1 || got[0] != "[image]" {
		t.Fatalf("sent = %q, want the reply as a picture", got)
	}
	if ad.sent[0].replyTo != 1 {
		t.Fatalf("picture reply must quote the message: %+v", ad.sent[0])
	}
}

func TestBuildRejectsUnreadableFont(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Broadcast.ImageConversion = true
	cfg.Broadcast.ImageFont = filepath.Join(t.TempDir(), "missing.ttf")
	if _, err := build(nil, cfg, &fakeAdapter{}); err == nil {
		t.Fatalf("missing font accepted")
	}
}

func TestStatusReportsArmedBroadcasts(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Broadcast = config.BroadcastConfig{
		Enabled:    true,
		Messages:   []string{"hi"},
		DailyTimes: []string{"03:00"},
		ToGroups:   true,
		Timezone:   "UTC",
	}
	a, ad := newTestApp(t, cfg)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	status := func() string {
		req := &router.Request{Message: groupMsg(1, 50, "/status"), Chat: kit.ChatTarget{ChatID: -100}, Adapter: ad}
		if err := a.cmdStatus(ctx, req); err != nil {
			t.Fatalf("status: %v", err)
		}
		got := ad.texts()
		return got[len(got)-1]
	}

	if out := status(); !strings.Contains(out, "03:00 UTC") {
		t.Fatalf("armed time missing: %s", out)
	}
	// once the one-shot timer is gone nothing is scheduled any more
	a.timers.CancelAll()
	if out := status(); !strings.Contains(out, "none armed") || strings.Contains(out, "03:00 UTC") {
		t.Fatalf("stale next broadcast reported: %s", out)
	}
}
