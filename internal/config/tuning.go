package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type PushTuning struct {
	ReconnectIntervalMS  int  `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts *int `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalMS  int  `yaml:"heartbeat_interval_ms"`
	ReadTimeoutSec       int  `yaml:"read_timeout_sec"`
}

type SyncTuning struct {
	PollIntervalMS        int `yaml:"poll_interval_ms"`
	StatusCheckIntervalMS int `yaml:"status_check_interval_ms"`
	MissThreshold         int `yaml:"miss_threshold"`
	ExpiryWindowMin       int `yaml:"expiry_window_min"`
	PageLimit             int `yaml:"page_limit"`
}

// Tuning overrides the sync tunables from a YAML file. Zero values leave
// the environment setting in place.
type Tuning struct {
	Push PushTuning `yaml:"push"`
	Sync SyncTuning `yaml:"sync"`
}

func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning: %w", err)
	}

	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning: %w", err)
	}
	return t, nil
}

func (c *Config) ApplyTuning(t Tuning) {
	setDuration(&c.ReconnectInterval, t.Push.ReconnectIntervalMS, time.Millisecond)
	if t.Push.MaxReconnectAttempts != nil {
		c.MaxReconnectAttempts = *t.Push.MaxReconnectAttempts
	}
	setDuration(&c.HeartbeatInterval, t.Push.HeartbeatIntervalMS, time.Millisecond)
	setDuration(&c.ReadTimeout, t.Push.ReadTimeoutSec, time.Second)

	setDuration(&c.PollInterval, t.Sync.PollIntervalMS, time.Millisecond)
	setDuration(&c.StatusCheckInterval, t.Sync.StatusCheckIntervalMS, time.Millisecond)
	setDuration(&c.ExpiryWindow, t.Sync.ExpiryWindowMin, time.Minute)
	if t.Sync.MissThreshold > 0 {
		c.MissThreshold = t.Sync.MissThreshold
	}
	if t.Sync.PageLimit > 0 {
		c.PageLimit = t.Sync.PageLimit
	}
}

func setDuration(dst *time.Duration, n int, unit time.Duration) {
	if n > 0 {
		*dst = time.Duration(n) * unit
	}
}
