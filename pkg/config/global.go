package config

import "sync/atomic"

var cfg atomic.Value

// Init installs the default configuration as the process-wide config.
func Init() {
	c := DefaultConfig()
	cfg.Store(&c)
}

// Load returns the current config (treat as read-only).
func Load() *Config {
	v, ok := cfg.Load().(*Config)
	if !ok {
		c := DefaultConfig()
		cfg.Store(&c)
		return &c
	}
	return v
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
