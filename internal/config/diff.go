package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guardbot/pkg/logx"
)

// liveSections apply without a restart; everything else is fixed for the
// lifetime of the process.
var liveSections = map[string]bool{
	"logging":         true,
	"telegram.owners": true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram.owners")
		attrs = append(attrs, logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	}
	// Never log the token itself.
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Moderation, newCfg.Moderation) {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.String("moderation.action", newCfg.Moderation.Action),
			logx.Int("moderation.keyword_count", len(newCfg.Moderation.Keywords)),
			logx.Int("moderation.cooldown_seconds", newCfg.Moderation.CooldownSeconds),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", newCfg.Broadcast.Enabled),
			logx.Strings("broadcast.daily_times", newCfg.Broadcast.DailyTimes),
			logx.Int("broadcast.message_count", len(newCfg.Broadcast.Messages)),
		)
	}

	// Never log api_token.
	if !reflect.DeepEqual(oldCfg.Subscription, newCfg.Subscription) {
		changed = append(changed, "subscription")
		attrs = append(attrs,
			logx.Bool("subscription.enabled", newCfg.Subscription.Enabled),
			logx.Bool("subscription.api_token_set", strings.TrimSpace(newCfg.Subscription.APIToken) != ""),
		)
	}

	if oldCfg.Observability != newCfg.Observability {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", strings.TrimSpace(newCfg.Observability.Addr)),
			logx.Bool("observability.token_set", strings.TrimSpace(newCfg.Observability.Token) != ""),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, c := range changed {
		if !liveSections[c] {
			restart = append(restart, c)
		}
	}
	return changed, attrs, restart
}
