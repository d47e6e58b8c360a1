package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are secrets that may be kept out of the config file.
type envOverrides struct {
	WorkerTokens  []string `env:"WOLFPACK_WORKER_TOKENS" envSeparator:","`
	SlackAppToken string   `env:"WOLFPACK_SLACK_APP_TOKEN"`
	SlackBotToken string   `env:"WOLFPACK_SLACK_BOT_TOKEN"`
	StorePassword string   `env:"WOLFPACK_STORE_PASSWORD"`
	DashboardPort int      `env:"WOLFPACK_DASHBOARD_PORT"`
}

// applyEnv overlays environment secrets. Worker tokens fill workers in file
// order and add workers when the file lists fewer.
func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	for i, tok := range o.WorkerTokens {
		if tok == "" {
			continue
		}
		if i < len(c.Workers) {
			c.Workers[i].Token = tok
		} else {
			c.Workers = append(c.Workers, WorkerConfig{Token: tok})
		}
	}
	if o.SlackAppToken != "" {
		c.Slack.AppToken = o.SlackAppToken
	}
	if o.SlackBotToken != "" {
		c.Slack.BotToken = o.SlackBotToken
	}
	if o.StorePassword != "" {
		c.Store.Password = o.StorePassword
	}
	if o.DashboardPort != 0 {
		c.Dashboard.Port = o.DashboardPort
	}
	return nil
}
