// Package config provides YAML-based configuration loading for Wolfpack.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Wolfpack configuration, loaded from wolfpack.yaml.
type Config struct {
	Owner         string          `yaml:"owner"`
	Owners        []string        `yaml:"owners"`
	GameBot       string          `yaml:"game_bot"`
	CommandPrefix string          `yaml:"command_prefix"`
	KeyPrefix     string          `yaml:"key_prefix"`
	JoinLabel     string          `yaml:"join_label"`
	TokenPattern  string          `yaml:"token_pattern"`
	Timezone      string          `yaml:"timezone"`
	ReplyTTLSec   int             `yaml:"reply_ttl_sec"`
	Workers       []WorkerConfig  `yaml:"workers"`
	Chats         []ChatConfig    `yaml:"chats"`
	Store         StoreConfig     `yaml:"store"`
	Join          JoinConfig      `yaml:"join"`
	Decision      DecisionConfig  `yaml:"decision"`
	Signals       SignalsConfig   `yaml:"signals"`
	Dashboard     DashboardConfig `yaml:"dashboard"`
	Slack         SlackConfig     `yaml:"slack"`
}

// WorkerConfig is one automated account.
type WorkerConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// ChatConfig registers one group chat.
type ChatConfig struct {
	ID          string `yaml:"id"`
	Workers     int    `yaml:"workers"`
	Enabled     *bool  `yaml:"enabled"`
	EnableCron  string `yaml:"enable_cron"`
	DisableCron string `yaml:"disable_cron"`
}

// IsEnabled reports whether auto-join starts on. Unset means on.
func (c ChatConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StoreConfig selects the key-value store backend.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// JoinConfig tunes the join handshake.
type JoinConfig struct {
	Attempts    int `yaml:"attempts"`
	IntervalSec int `yaml:"interval_sec"`
}

// DecisionConfig tunes how workers answer menus.
type DecisionConfig struct {
	ThinkMinSec  int      `yaml:"think_min_sec"`
	ThinkMaxSec  int      `yaml:"think_max_sec"`
	VotePrefixes []string `yaml:"vote_prefixes"`
}

// SignalsConfig holds the game bot phrases workers react to. Each inner list
// is a set of fragments that must all appear.
type SignalsConfig struct {
	Joined   [][]string `yaml:"joined"`
	Already  [][]string `yaml:"already"`
	Triggers []string   `yaml:"triggers"`
}

// DashboardConfig controls the status API. Port 0 disables it.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// SlackConfig configures the operator console. Setting any field enables it
// and then all of tokens and channel are required.
type SlackConfig struct {
	AppToken string   `yaml:"app_token"`
	BotToken string   `yaml:"bot_token"`
	Channel  string   `yaml:"channel"`
	Owners   []string `yaml:"owners"`
	Prefix   string   `yaml:"prefix"`
}

// Enabled reports whether the Slack console is configured.
func (s SlackConfig) Enabled() bool {
	return s.AppToken != "" || s.BotToken != "" || s.Channel != ""
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, overlays WOLFPACK_* environment secrets, and
// returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Owner != "" && !contains(c.Owners, c.Owner) {
		c.Owners = append([]string{c.Owner}, c.Owners...)
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "/"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "werewolf_bot"
	}
	if c.JoinLabel == "" {
		c.JoinLabel = "加入遊戲"
	}
	if c.TokenPattern == "" {
		c.TokenPattern = "^[^:]+:([^:]+)"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.ReplyTTLSec == 0 {
		c.ReplyTTLSec = 5
	}
	taken := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.Name != "" {
			taken[w.Name] = true
		}
	}
	for i := range c.Workers {
		if c.Workers[i].Name != "" {
			continue
		}
		// Unnamed workers take their index, suffixed when a named worker
		// already uses it.
		name := strconv.Itoa(i)
		for n := 2; taken[name]; n++ {
			name = fmt.Sprintf("%d-%d", i, n)
		}
		taken[name] = true
		c.Workers[i].Name = name
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			c.Store.Path = "wolfpack.db"
		}
	case "mysql":
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.Database == "" {
			c.Store.Database = "wolfpack"
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
	}

	if c.Join.Attempts == 0 {
		c.Join.Attempts = 3
	}
	if c.Join.IntervalSec == 0 {
		c.Join.IntervalSec = 10
	}
	if c.Decision.ThinkMinSec == 0 && c.Decision.ThinkMaxSec == 0 {
		c.Decision.ThinkMinSec = 5
		c.Decision.ThinkMaxSec = 15
	}
	if len(c.Decision.VotePrefixes) == 0 {
		c.Decision.VotePrefixes = []string{"你想處死誰"}
	}
	if len(c.Signals.Joined) == 0 {
		c.Signals.Joined = [][]string{{"你已加入", "的遊戲中"}}
	}
	if len(c.Signals.Already) == 0 {
		c.Signals.Already = [][]string{{"你已經在遊戲中"}}
	}
	if c.Slack.Enabled() && len(c.Slack.Owners) == 0 {
		c.Slack.Owners = c.Owners
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Owners) == 0 {
		errs = append(errs, "owner is required")
	}
	if c.GameBot == "" {
		errs = append(errs, "game_bot is required")
	}
	if len(c.Workers) == 0 {
		errs = append(errs, "at least one worker is required")
	}
	names := make(map[string]bool)
	for i, w := range c.Workers {
		if w.Token == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].token is required", i))
		}
		if names[w.Name] {
			errs = append(errs, fmt.Sprintf("workers[%d].name %q is duplicated", i, w.Name))
		}
		names[w.Name] = true
	}
	if len(c.Chats) == 0 {
		errs = append(errs, "at least one chat is required")
	}
	chats := make(map[string]bool)
	for i, ch := range c.Chats {
		if ch.ID == "" {
			errs = append(errs, fmt.Sprintf("chats[%d].id is required", i))
		} else if chats[ch.ID] {
			errs = append(errs, fmt.Sprintf("chats[%d].id %q is duplicated", i, ch.ID))
		}
		chats[ch.ID] = true
		if ch.Workers < 0 {
			errs = append(errs, fmt.Sprintf("chats[%d].workers must not be negative", i))
		}
		if ch.EnableCron != "" {
			if _, err := cronParser.Parse(ch.EnableCron); err != nil {
				errs = append(errs, fmt.Sprintf("chats[%d].enable_cron: %v", i, err))
			}
		}
		if ch.DisableCron != "" {
			if _, err := cronParser.Parse(ch.DisableCron); err != nil {
				errs = append(errs, fmt.Sprintf("chats[%d].disable_cron: %v", i, err))
			}
		}
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if _, err := regexp.Compile(c.TokenPattern); err != nil {
		errs = append(errs, fmt.Sprintf("token_pattern: %v", err))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone: %v", err))
	}
	if c.Join.Attempts < 0 || c.Join.IntervalSec < 0 {
		errs = append(errs, "join.attempts and join.interval_sec must not be negative")
	}
	if c.Decision.ThinkMinSec < 0 || c.Decision.ThinkMaxSec < c.Decision.ThinkMinSec {
		errs = append(errs, "decision think range is invalid")
	}
	if c.ReplyTTLSec < 0 {
		errs = append(errs, "reply_ttl_sec must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, "dashboard.port must be between 0 and 65535")
	}
	if c.Slack.Enabled() {
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.Channel == "" {
			errs = append(errs, "slack.channel is required")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// JoinSignals merges the phrases that end a join handshake: a fresh join and
// an existing seat both count.
func (c *Config) JoinSignals() [][]string {
	out := make([][]string, 0, len(c.Signals.Joined)+len(c.Signals.Already))
	out = append(out, c.Signals.Joined...)
	return append(out, c.Signals.Already...)
}

// ChatIDs lists the registered chat ids in file order.
func (c *Config) ChatIDs() []string {
	ids := make([]string, len(c.Chats))
	for i, ch := range c.Chats {
		ids[i] = ch.ID
	}
	return ids
}

// Location returns the time zone used by schedules.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// JoinInterval returns the join handshake spacing.
func (c *Config) JoinInterval() time.Duration {
	return time.Duration(c.Join.IntervalSec) * time.Second
}

// ThinkRange returns the bounds of the pause before answering a menu.
func (c *Config) ThinkRange() (time.Duration, time.Duration) {
	return time.Duration(c.Decision.ThinkMinSec) * time.Second,
		time.Duration(c.Decision.ThinkMaxSec) * time.Second
}

// ReplyTTL returns how long transient replies stay visible.
func (c *Config) ReplyTTL() time.Duration {
	return time.Duration(c.ReplyTTLSec) * time.Second
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
