package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"guardbot/internal/broadcast"
	"guardbot/internal/config"
	"guardbot/internal/moderation"
	"guardbot/internal/observability"
	"guardbot/internal/render"
	"guardbot/internal/storage"
	"guardbot/internal/subscription"
	logx "guardbot/pkg/logx"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ThreadID:   cfg.Logging.Chat.ThreadID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

// groupLogTarget returns the chat that receives mirrored log lines, 0 if unset.
func groupLogTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		driver = "memory"
	}
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapPolicy(cfg *config.Config) (moderation.Policy, error) {
	m := cfg.Moderation
	action, err := moderation.ParseAction(m.Action)
	if err != nil {
		return moderation.Policy{}, err
	}
	tpl := moderation.DefaultTemplates()
	override := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	override(&tpl.Trigger, m.TriggerMessage)
	override(&tpl.Banned, m.BannedMessage)
	override(&tpl.Reminder, m.ReminderMessage)
	override(&tpl.NaughtyMember, m.NaughtyMemberMessage)
	override(&tpl.Forgive, m.ForgiveMessage)
	override(&tpl.Placeholder, m.Placeholder)

	return moderation.Policy{
		Keywords:        moderation.NewKeywords(m.Keywords),
		Action:          action,
		Cooldown:        seconds(m.CooldownSeconds),
		MentionRequired: m.MentionRequired,
		Templates:       tpl,
	}, nil
}

func mapJob(cfg *config.Config) (broadcast.Job, error) {
	b := cfg.Broadcast
	loc, err := config.LoadLocation(b.Timezone)
	if err != nil {
		return broadcast.Job{}, err
	}
	return broadcast.Job{
		DailyTimes:   append([]string(nil), b.DailyTimes...),
		Interval:     seconds(b.IntervalSeconds),
		RetractDelay: seconds(b.RetractDelaySeconds),
		ToFriends:    b.ToFriends,
		ToGroups:     b.ToGroups,
		Simultaneous: b.Simultaneous,
		Skip:         append([]string(nil), b.SkipRecipients...),
		RepeatDaily:  b.RepeatDaily,
		Location:     loc,
		LogSuccess:   b.LogSuccess,
		LogFailure:   b.LogFailure,
	}, nil
}

// mapRasterizer returns nil when image conversion is off.
func mapRasterizer(cfg *config.Config) (*render.Rasterizer, error) {
	b := cfg.Broadcast
	if !b.ImageConversion {
		return nil, nil
	}
	format := strings.ToLower(strings.TrimSpace(b.ImageFormat))
	if format == "jpg" {
		format = "jpeg"
	}
	rz := &render.Rasterizer{Format: format, MaxColumns: b.ImageMaxColumns}
	if path := strings.TrimSpace(b.ImageFont); path != "" {
		face, err := render.LoadFace(path, b.ImageFontSize)
		if err != nil {
			return nil, fmt.Errorf("broadcast.image_font: %w", err)
		}
		rz.Face = face
	}
	return rz, nil
}

func mapRegistrarConfig(cfg *config.Config) (subscription.Config, error) {
	s := cfg.Subscription
	timeout, err := config.Duration("subscription.timeout", s.Timeout, 0)
	if err != nil {
		return subscription.Config{}, err
	}
	return subscription.Config{
		Enabled:     s.Enabled,
		Endpoint:    strings.TrimSpace(s.Endpoint),
		ListUID:     strings.TrimSpace(s.ListUID),
		APIToken:    strings.TrimSpace(s.APIToken),
		EmailDomain: strings.TrimSpace(s.EmailDomain),
		OnJoin:      s.OnJoin,
		OnLeave:     s.OnLeave,
		OnKeyword:   s.OnKeyword,
		OnSpeech:    s.OnSpeech,
		LogRequests: s.LogRequests,
		Timeout:     timeout,
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	readTimeout, err := config.Duration("observability.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	writeTimeout, err := config.Duration("observability.write_timeout", o.WriteTimeout, 0)
	if err != nil {
		return observability.Config{}, err
	}
	idleTimeout, err := config.Duration("observability.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.Config{}, err
	}
	return observability.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		PprofPrefix:          o.PprofPrefix,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}
