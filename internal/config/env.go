package config

import (
	"os"
	"strings"
)

// Environment overrides. The first non-empty variable of each list wins over
// the file. The short names are the ones older deployments export.
var envOverrides = []struct {
	names []string
	apply func(cfg *Config, v string)
}{
	{[]string{"POSTBOT_TELEGRAM_TOKEN", "TG_TOKEN"}, func(c *Config, v string) { c.Telegram.Token = v }},
	{[]string{"POSTBOT_TIMEZONE", "TIMEZONE"}, func(c *Config, v string) { c.Posts.Timezone = v }},
	{[]string{"POSTBOT_POSTS_FILE", "POSTS_FILE"}, func(c *Config, v string) { c.Storage.Path = v }},
	{[]string{"POSTBOT_STORAGE_DRIVER"}, func(c *Config, v string) { c.Storage.Driver = v }},
	{[]string{"POSTBOT_LOG_LEVEL"}, func(c *Config, v string) { c.Logging.Level = v }},
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	for _, o := range envOverrides {
		for _, name := range o.names {
			if v := strings.TrimSpace(getenv(name)); v != "" {
				o.apply(cfg, v)
				break
			}
		}
	}
}

// FromEnv is an empty config with the environment overrides applied, for
// tools that run without a config file.
func FromEnv() *Config {
	cfg := &Config{}
	applyEnv(cfg, os.Getenv)
	return cfg
}
