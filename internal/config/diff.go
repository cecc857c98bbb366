package config

import (
	"reflect"
	"sort"
	"strings"

	logx "concallbot/pkg/logx"
)

// LiveSections can be applied without a restart.
var LiveSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the sorted list of changed top-level sections
// and log fields describing the new values. Secrets (bot token, storage DSN)
// are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) ||
		ot.ChannelID != nt.ChannelID || ot.ThreadID != nt.ThreadID || ot.LogChatID != nt.LogChatID ||
		ot.APIURL != nt.APIURL || ot.RequestTimeout != nt.RequestTimeout || ot.UploadTimeout != nt.UploadTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
			logx.Int64("telegram.channel_id", nt.ChannelID),
			logx.Bool("telegram.log_chat_set", nt.LogChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs, logx.String("feed.url", newCfg.Feed.URL))
	}

	if oldCfg.Universe != newCfg.Universe {
		changed = append(changed, "universe")
		attrs = append(attrs,
			logx.String("universe.path", newCfg.Universe.Path),
			logx.Float64("universe.match_threshold", newCfg.Universe.MatchThreshold),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
			logx.String("schedule.poll", newCfg.Schedule.Poll),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.String("delivery.pace", newCfg.Delivery.Pace))
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost.Driver != nst.Driver || ost.Path != nst.Path || ost.BusyTimeout != nst.BusyTimeout || ost.TTL != nst.TTL ||
		strings.TrimSpace(ost.DSN) != strings.TrimSpace(nst.DSN) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
		)
	}

	if oldCfg.Archive != newCfg.Archive {
		changed = append(changed, "archive")
		attrs = append(attrs, logx.Bool("archive.enabled", newCfg.Archive.Enabled))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled), logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof), logx.Bool("metrics.pprof_token_set", newCfg.Metrics.PprofToken != ""))
	}
	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
		attrs = append(attrs, logx.Int("render.workers", newCfg.Render.Workers))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
