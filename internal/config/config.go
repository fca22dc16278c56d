package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Orders backend
	APIURL      string
	WSURL       string
	TraderID    string
	TraderToken string
	PageLimit   int

	// Push channel
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ReadTimeout          time.Duration

	// Sync
	PollInterval        time.Duration
	StatusCheckInterval time.Duration
	MissThreshold       int
	ExpiryWindow        time.Duration

	// Desk server
	DeskPort int

	// Diagnostics
	FrameJournalPath  string // empty disables the journal
	FrameJournalMaxMB int

	TuningPath string

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		APIURL:      envStr("ORDERS_API_URL", "http://localhost:8000"),
		WSURL:       envStr("ORDERS_WS_URL", "ws://localhost:8001/api/v1/ws/orders"),
		TraderID:    envStr("TRADER_ID", ""),
		TraderToken: envStr("TRADER_TOKEN", ""),
		PageLimit:   envInt("PAGE_LIMIT", 50),

		ReconnectInterval:    envDuration("RECONNECT_INTERVAL_MS", 3000, time.Millisecond),
		MaxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 5),
		HeartbeatInterval:    envDuration("HEARTBEAT_INTERVAL_MS", 30000, time.Millisecond),
		ReadTimeout:          envDuration("WS_READ_TIMEOUT_SEC", 90, time.Second),

		PollInterval:        envDuration("POLL_INTERVAL_MS", 5000, time.Millisecond),
		StatusCheckInterval: envDuration("STATUS_CHECK_INTERVAL_MS", 1000, time.Millisecond),
		MissThreshold:       envInt("MISS_THRESHOLD", 2),
		ExpiryWindow:        envDuration("EXPIRY_WINDOW_MIN", 15, time.Minute),

		DeskPort: envInt("DESK_PORT", 8090),

		FrameJournalPath:  envStr("FRAME_JOURNAL_PATH", ""),
		FrameJournalMaxMB: envInt("FRAME_JOURNAL_MAX_MB", 256),

		TuningPath: envStr("TUNING_PATH", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// Validate reports settings the process cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("ORDERS_API_URL is required"))
	}
	if c.WSURL == "" {
		errs = append(errs, errors.New("ORDERS_WS_URL is required"))
	}
	if c.TraderToken == "" {
		errs = append(errs, errors.New("TRADER_TOKEN is required"))
	}
	if c.MissThreshold < 1 {
		errs = append(errs, fmt.Errorf("MISS_THRESHOLD must be >= 1, got %d", c.MissThreshold))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be >= 0, got %d", c.MaxReconnectAttempts))
	}
	for name, d := range map[string]time.Duration{
		"RECONNECT_INTERVAL_MS":    c.ReconnectInterval,
		"POLL_INTERVAL_MS":         c.PollInterval,
		"STATUS_CHECK_INTERVAL_MS": c.StatusCheckInterval,
		"EXPIRY_WINDOW_MIN":        c.ExpiryWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(envInt(key, fallback)) * unit
}
