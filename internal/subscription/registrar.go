// Package subscription pushes newly seen users to a mailing-list API.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"guardbot/internal/eventbus"
	"guardbot/internal/storage"
	logx "guardbot/pkg/logx"
)

const (
	DefaultEndpoint    = "https://www.mail.com.so/api/v1/subscribers"
	DefaultEmailDomain = "qq.com"
	defaultTimeout     = 10 * time.Second
	queueSize          = 256
	recentTTL          = 10 * time.Minute
)

// Trigger names the event that surfaced a user.
type Trigger string

const (
	TriggerJoin    Trigger = "join"
	TriggerLeave   Trigger = "leave"
	TriggerKeyword Trigger = "keyword"
	TriggerSpeech  Trigger = "speech"
)

type Config struct {
	Enabled     bool
	Endpoint    string
	ListUID     string
	APIToken    string
	EmailDomain string
	OnJoin      bool
	OnLeave     bool
	OnKeyword   bool
	OnSpeech    bool
	LogRequests bool
	Timeout     time.Duration
}

// Active reports whether requests can be made at all.
func (c Config) Active() bool { return c.Enabled && c.ListUID != "" && c.APIToken != "" }

func (c Config) wants(t Trigger) bool {
	switch t {
	case TriggerJoin:
		return c.OnJoin
	case TriggerLeave:
		return c.OnLeave
	case TriggerKeyword:
		return c.OnKeyword
	case TriggerSpeech:
		return c.OnSpeech
	}
	return false
}

type request struct {
	trigger  Trigger
	userID   int64
	username string
	name     string
}

// Registrar records each user once and posts them to the list. Enqueue never
// blocks; a single worker started with Run drains the queue.
type Registrar struct {
	cfg    Config
	store  storage.Store
	client *http.Client
	log    logx.Logger
	bus    eventbus.Bus

	queue  chan request
	recent *cache.Cache
}

type Option func(*Registrar)

func WithHTTPClient(c *http.Client) Option { return func(r *Registrar) { r.client = c } }
func WithBus(b eventbus.Bus) Option         { return func(r *Registrar) { r.bus = b } }

func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Registrar {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = DefaultEmailDomain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registrar{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		queue:  make(chan request, queueSize),
		recent: cache.New(recentTTL, 2*recentTTL),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registrar) Active() bool { return r != nil && r.cfg.Active() }

// Enqueue asks for userID to be registered. It returns false when the trigger
// is disabled, the user was handled recently or the queue is full.
func (r *Registrar) Enqueue(t Trigger, userID int64, username, name string) bool {
	if !r.Active() || !r.cfg.wants(t) || userID == 0 {
		return false
	}
	key := strconv.FormatInt(userID, 10)
	if _, seen := r.recent.Get(key); seen {
		return false
	}
	select {
	case r.queue <- request{trigger: t, userID: userID, username: username, name: name}:
		r.recent.SetDefault(key, struct{}{})
		return true
	default:
		r.log.Debug("subscription queue full; dropping", logx.Int64("user_id", userID))
		return false
	}
}

// Run processes requests until ctx is done.
func (r *Registrar) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.queue:
			if err := r.process(ctx, req); err != nil && r.cfg.LogRequests {
				r.log.Warn("subscription request failed",
					logx.Int64("user_id", req.userID),
					logx.String("trigger", string(req.trigger)),
					logx.Err(err),
				)
			}
		}
	}
}

func (r *Registrar) process(ctx context.Context, req request) error {
	email := fmt.Sprintf("%d@%s", req.userID, r.cfg.EmailDomain)
	added, err := r.store.AddSubscriber(ctx, storage.Subscriber{
		UserID:   req.userID,
		Username: req.username,
		Email:    email,
	})
	if err != nil {
		return fmt.Errorf("record subscriber: %w", err)
	}
	if !added {
		return nil
	}
	eventbus.Emit(r.bus, eventbus.SubscriberAdded, req.userID)

	name := req.username
	if name == "" {
		name = req.name
	}
	body, err := r.post(ctx, email, name)
	if err != nil {
		return err
	}
	if r.cfg.LogRequests {
		r.log.Info("subscriber posted",
			logx.Int64("user_id", req.userID),
			logx.String("trigger", string(req.trigger)),
			logx.String("response", body),
		)
	}
	return nil
}

func (r *Registrar) post(ctx context.Context, email, name string) (string, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	q := u.Query()
	q.Set("list_uid", r.cfg.ListUID)
	q.Set("api_token", r.cfg.APIToken)
	q.Set("EMAIL", email)
	q.Set("tag", "")
	q.Set("FIRST_NAME", name)
	q.Set("LAST_NAME", "")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode/100 != 2 {
		return "", errors.New("subscription api: " + resp.Status)
	}
	return string(b), nil
}
