// Package config provides the kernel's environment-sourced configuration.
package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for the kernel's external resources.
const (
	EnvOrdersTable      = "ORDERS_TABLE"
	EnvOrderEventsTable = "ORDER_EVENTS_TABLE"
	EnvLocksTable       = "LOCKS_TABLE"
	EnvInternalBucket   = "INTERNAL_BUCKET"
	EnvDoneBucket       = "DONE_BUCKET"
	EnvWorkerTarget     = "WORKER_TARGET"
	EnvWatchdogHandle   = "WATCHDOG_HANDLE"
	EnvEventsSink       = "EVENTS_SINK"
)

// Defaults applied when the corresponding knob is absent.
const (
	DefaultJobTimeout     = time.Hour
	DefaultCallbackExpiry = 2 * time.Hour
	DefaultMaxParallelism = 16
	DefaultWatchdogPeriod  = 60 * time.Second
	DefaultDispatchTimeout = 30 * time.Second
)

// Config carries every name and knob the kernel needs. It is constructed at
// invocation start and passed explicitly; there are no process-wide
// singletons.
type Config struct {
	OrdersTable      string
	OrderEventsTable string
	LocksTable       string
	InternalBucket   string
	DoneBucket       string
	WorkerTarget     string
	WatchdogHandle   string
	EventsSink       string

	JobTimeout      time.Duration
	CallbackExpiry  time.Duration
	MaxParallelism  int
	WatchdogPeriod  time.Duration
	DispatchTimeout time.Duration
}

// FromEnv builds a Config from the process environment, applying defaults for
// optional knobs, and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		OrdersTable:      os.Getenv(EnvOrdersTable),
		OrderEventsTable: os.Getenv(EnvOrderEventsTable),
		LocksTable:       os.Getenv(EnvLocksTable),
		InternalBucket:   os.Getenv(EnvInternalBucket),
		DoneBucket:       os.Getenv(EnvDoneBucket),
		WorkerTarget:     os.Getenv(EnvWorkerTarget),
		WatchdogHandle:   os.Getenv(EnvWatchdogHandle),
		EventsSink:       os.Getenv(EnvEventsSink),

		JobTimeout:      DefaultJobTimeout,
		CallbackExpiry:  DefaultCallbackExpiry,
		MaxParallelism:  DefaultMaxParallelism,
		WatchdogPeriod:  DefaultWatchdogPeriod,
		DispatchTimeout: DefaultDispatchTimeout,
	}

	if v := os.Getenv("CALLBACK_EXPIRY_S"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, ErrBadCallbackExpiry
		}
		cfg.CallbackExpiry = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("MAX_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, ErrBadParallelism
		}
		cfg.MaxParallelism = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every required resource name is present.
func (c *Config) Validate() error {
	switch {
	case c.OrdersTable == "":
		return ErrOrdersTableMissing
	case c.OrderEventsTable == "":
		return ErrOrderEventsTableMissing
	case c.LocksTable == "":
		return ErrLocksTableMissing
	case c.InternalBucket == "":
		return ErrInternalBucketMissing
	case c.DoneBucket == "":
		return ErrDoneBucketMissing
	}
	if c.MaxParallelism <= 0 {
		return ErrBadParallelism
	}
	return nil
}
