package config

import "fmt"

// Config is the whole bot configuration, loaded from a JSON or YAML file.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the reminder store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the firing pipeline.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - dispatch_timeout: "30s"
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - timezone: process-local
type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DispatchTimeout bounds one whole dispatch cycle (all retries included).
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// Timezone is the IANA zone used to anchor "remind me at 8:00" to a
	// calendar day, e.g. "Asia/Jakarta". Empty means the process zone.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls outbound send pacing.
type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// JanitorConfig controls periodic deletion of retired reminder rows.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron spec or descriptor; default "@daily".
	Spec string `json:"spec,omitempty"`
	// KeepRetired is how long retired rows are kept; default "720h" (30 days).
	KeepRetired string `json:"keep_retired,omitempty"`
}

// Validate rejects configs that cannot possibly run.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout},
		{"scheduler.retry_base", c.Scheduler.RetryBase},
		{"scheduler.retry_max_delay", c.Scheduler.RetryMaxDelay},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
		{"janitor.keep_retired", c.Janitor.KeepRetired},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
