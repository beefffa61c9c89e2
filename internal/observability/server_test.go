package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guardbot/internal/broadcast"
	logx "guardbot/pkg/logx"
)

type fakeAdmin struct {
	busy bool
	runs []broadcast.RunStatus
}

func (a *fakeAdmin) TriggerBroadcastNow(context.Context) (broadcast.RunStatus, error) {
	if a.busy {
		return broadcast.RunStatus{}, broadcast.ErrRunInProgress
	}
	st := broadcast.RunStatus{ID: "run-1", Trigger: "http", Total: 3, Sent: 3}
	a.runs = append(a.runs, st)
	return st, nil
}

func (a *fakeAdmin) BroadcastStatus(id string) (broadcast.RunStatus, bool) {
	for _, r := range a.runs {
		if r.ID == id {
			return r, true
		}
	}
	return broadcast.RunStatus{}, false
}

func (a *fakeAdmin) RecentBroadcasts(n int) []broadcast.RunStatus { return a.runs }

func newTestHandler(token string, admin Admin) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "guardbot_test_total", Help: "test"}))
	s := New(Config{Enabled: true, Token: token, Pprof: true}, logx.Nop(), WithGatherer(reg), WithAdmin(admin))
	return s.handler(s.cfg)
}

func do(h http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := newTestHandler("s3cret", &fakeAdmin{})

	cases := []struct {
		name string
		path string
		auth string
		want int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"metrics without token", "/metrics", "", http.StatusUnauthorized},
		{"metrics bearer", "/metrics", "s3cret", http.StatusOK},
		{"metrics query token", "/metrics?token=s3cret", "", http.StatusOK},
		{"metrics wrong query token", "/metrics?token=nope", "s3cret", http.StatusUnauthorized},
		{"pprof index", "/debug/pprof/", "s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		if got := do(h, http.MethodGet, tc.path, tc.auth).Code; got != tc.want {
			t.Fatalf("%s: status = %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestMetricsExposeRegistry(t *testing.T) {
	t.Parallel()
	rec := do(newTestHandler("", nil), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "guardbot_test_total") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAdminBroadcast(t *testing.T) {
	t.Parallel()
	admin := &fakeAdmin{}
	h := newTestHandler("", admin)

	rec := do(h, http.MethodPost, "/admin/broadcast/now", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("now = %d %s", rec.Code, rec.Body.String())
	}
	var st broadcast.RunStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.ID != "run-1" {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}

	if rec := do(h, http.MethodGet, "/admin/broadcast/status?id=run-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/admin/broadcast/status?id=missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/admin/broadcast/status", ""); !strings.Contains(rec.Body.String(), "run-1") {
		t.Fatalf("recent = %s", rec.Body.String())
	}

	admin.busy = true
	if rec := do(h, http.MethodPost, "/admin/broadcast/now", ""); rec.Code != http.StatusConflict {
		t.Fatalf("overlap = %d", rec.Code)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err = %v", err)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server never bound")
		}
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("listener still set after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", in, got)
		}
	}
}
