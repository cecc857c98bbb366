package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides are read after the file so secrets can stay out of it.
type envOverrides struct {
	Token      string `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChannelID  int64  `envconfig:"TELEGRAM_CHANNEL_ID"`
	Timezone   string `envconfig:"CONCALLBOT_TIMEZONE"`
	StorageDSN string `envconfig:"CONCALLBOT_STORAGE_DSN"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if s := strings.TrimSpace(env.Token); s != "" {
		cfg.Telegram.Token = s
	}
	if env.ChannelID != 0 {
		cfg.Telegram.ChannelID = env.ChannelID
	}
	if s := strings.TrimSpace(env.Timezone); s != "" {
		cfg.Schedule.Timezone = s
	}
	if s := strings.TrimSpace(env.StorageDSN); s != "" {
		cfg.Storage.DSN = s
	}
	return nil
}
