package config

import "time"

// NetConfig contains networking tuning options.
type NetConfig struct {
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
	// DialAttempts caps connection attempts; 0 retries until the context ends
	DialAttempts int `mapstructure:"dial_attempts"`
}

func (n NetConfig) BackoffInitial() time.Duration { return ms(n.DialBackoffInitialMS) }
func (n NetConfig) BackoffMax() time.Duration     { return ms(n.DialBackoffMaxMS) }
func (n NetConfig) BackoffJitter() time.Duration  { return ms(n.DialBackoffJitterMS) }
