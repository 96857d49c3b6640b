package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var (
	// ErrMissingConnectionURI is returned when neither TASKER_DATABASE_URI nor
	// DATABASE_URL is set.
	ErrMissingConnectionURI = errors.New("database uri not defined in config")

	ErrParsingConfig = errors.New("failed to parse config")
)

type Config struct {
	DatabaseURI         string `env:"TASKER_DATABASE_URI"`
	FallbackDatabaseURI string `env:"DATABASE_URL"`
	Driver              string `env:"TASKER_DRIVER"`
	IntervalTime        int    `env:"TASKER_INTERVAL_TIME" envDefault:"5"` // seconds
	RetryLimit          int    `env:"TASKER_RETRY_LIMIT" envDefault:"3"`
	Timezone            string `env:"TASKER_TIMEZONE" envDefault:"UTC"`
	ReleaseClaims       bool   `env:"TASKER_RELEASE_CLAIMS" envDefault:"true"`
	MaxOpenConns        int    `env:"TASKER_MAX_OPEN_CONNS" envDefault:"10"`
	LogLevel            string `env:"TASKER_LOG_LEVEL" envDefault:"info"`
	HTTPAddr            string `env:"TASKER_HTTP_ADDR" envDefault:":8080"`
}

// Load reads the optional .env files (the working directory's .env when none
// are given) and parses the process environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return c, c.Validate()
}

// FromMap parses the same keys out of a host application's configuration
// map instead of the process environment.
func FromMap(m map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Environment: m}); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return c, c.Validate()
}

// Default returns a Config holding only the default values.
func Default() Config {
	c, _ := FromMap(map[string]string{})
	return c
}

func (c Config) Validate() error {
	if c.IntervalTime <= 0 {
		return fmt.Errorf("TASKER_INTERVAL_TIME must be positive, got %d", c.IntervalTime)
	}
	if c.RetryLimit <= 0 {
		return fmt.Errorf("TASKER_RETRY_LIMIT must be positive, got %d", c.RetryLimit)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TASKER_TIMEZONE: %w", err)
	}
	return nil
}

// URI returns the connection URI, falling back to DATABASE_URL.
func (c Config) URI() (string, error) {
	if uri := strings.TrimSpace(c.DatabaseURI); uri != "" {
		return uri, nil
	}
	if uri := strings.TrimSpace(c.FallbackDatabaseURI); uri != "" {
		return uri, nil
	}
	return "", ErrMissingConnectionURI
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalTime) * time.Second
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
