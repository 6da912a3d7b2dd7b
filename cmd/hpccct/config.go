package main

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	LogLevel    string `env:"HPCCCT_LOG_LEVEL" env-default:"info"`
	SentryDSN   string `env:"SENTRY_DSN"`
	Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`

	// MergeTimeout bounds loading and merging. Zero disables it.
	MergeTimeout    time.Duration `env:"HPCCCT_MERGE_TIMEOUT" env-default:"0s"`
	ReadParallelism int           `env:"HPCCCT_READ_PARALLELISM" env-default:"4"`
	// StorageURL names a bucket, such as file:///srv/profiles, in which
	// inputs and outputs are looked up instead of the local file system.
	StorageURL string `env:"HPCCCT_STORAGE_URL"`
}

func loadConfig() (Config, error) {
	var c Config
	if err := cleanenv.ReadEnv(&c); err != nil {
		return c, err
	}
	if c.ReadParallelism < 1 {
		return c, fmt.Errorf("HPCCCT_READ_PARALLELISM must be at least 1, got %d", c.ReadParallelism)
	}
	if c.MergeTimeout < 0 {
		return c, fmt.Errorf("HPCCCT_MERGE_TIMEOUT must not be negative, got %v", c.MergeTimeout)
	}
	return c, nil
}
