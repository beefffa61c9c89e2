package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"guardbot/internal/broadcast"
	"guardbot/internal/moderation"
	logx "guardbot/pkg/logx"
)

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token is required"))
	}
	_, err := Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	add(err)
	if gl := strings.TrimSpace(cfg.Telegram.GroupLog); gl != "" {
		if _, err := strconv.ParseInt(gl, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: want a numeric chat id, got %q", gl))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Chat.MinLevel) {
		add(fmt.Errorf("logging.chat.min_level: unknown level %q", cfg.Logging.Chat.MinLevel))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(fmt.Errorf("logging.file.path is required when logging.file.enabled"))
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "memory", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", sc.Driver))
		}
		_, err := Duration("storage.busy_timeout", sc.BusyTimeout, 0)
		add(err)
	}

	m := cfg.Moderation
	if _, err := moderation.ParseAction(m.Action); err != nil {
		add(fmt.Errorf("moderation.action: %w", err))
	}
	if m.CooldownSeconds < 0 {
		add(fmt.Errorf("moderation.cooldown_seconds must be >= 0"))
	}
	if m.RetractDelaySeconds < 0 {
		add(fmt.Errorf("moderation.retract_delay_seconds must be >= 0"))
	}

	b := cfg.Broadcast
	if _, err := broadcast.ParseClocks(b.DailyTimes); err != nil {
		add(fmt.Errorf("broadcast.daily_times: %w", err))
	}
	switch strings.ToLower(strings.TrimSpace(b.ImageFormat)) {
	case "", "png", "jpeg", "jpg":
	default:
		add(fmt.Errorf("broadcast.image_format: unsupported %q (want png or jpeg)", b.ImageFormat))
	}
	if f := strings.TrimSpace(b.ImageFont); f != "" {
		if _, err := os.Stat(f); err != nil {
			add(fmt.Errorf("broadcast.image_font: %w", err))
		}
	}
	if b.ImageFontSize < 0 {
		add(fmt.Errorf("broadcast.image_font_size must be >= 0"))
	}
	if _, err := LoadLocation(b.Timezone); err != nil {
		add(fmt.Errorf("broadcast.timezone: %w", err))
	}
	if b.IntervalSeconds < 0 || b.RetractDelaySeconds < 0 || b.RatePerSec < 0 {
		add(fmt.Errorf("broadcast: interval_seconds, retract_delay_seconds and rate_per_sec must be >= 0"))
	}
	if b.Enabled && len(b.Messages) == 0 {
		add(fmt.Errorf("broadcast.messages is empty while broadcast.enabled"))
	}

	s := cfg.Subscription
	if s.Enabled && (strings.TrimSpace(s.ListUID) == "" || strings.TrimSpace(s.APIToken) == "") {
		add(fmt.Errorf("subscription: list_uid and api_token are required when enabled"))
	}
	_, err = Duration("subscription.timeout", s.Timeout, 0)
	add(err)

	o := cfg.Observability
	for _, f := range [][2]string{
		{"observability.read_timeout", o.ReadTimeout},
		{"observability.write_timeout", o.WriteTimeout},
		{"observability.idle_timeout", o.IdleTimeout},
	} {
		_, err := Duration(f[0], f[1], 0)
		add(err)
	}

	return errs.ErrorOrNil()
}

// LoadLocation resolves an IANA zone name; empty means the local zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
