package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/opd-ai/wsvpn/wsvpn"
	"github.com/sirupsen/logrus"
)

// cliConfig is the resolved configuration of the connect command.
type cliConfig struct {
	URL             string
	Headers         http.Header
	LogLevel        string
	LogFormat       string
	MetricsAddr     string
	MaxFragmentSize int
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	KeepAlive       time.Duration
	Features        []string
}

type fileConfig struct {
	URL             string            `toml:"url"`
	Headers         map[string]string `toml:"headers"`
	LogLevel        string            `toml:"log_level"`
	LogFormat       string            `toml:"log_format"`
	MetricsAddr     string            `toml:"metrics_addr"`
	MaxFragmentSize int               `toml:"max_fragment_size"`
	IdleTimeout     string            `toml:"idle_timeout"`
	SweepInterval   string            `toml:"sweep_interval"`
	KeepAlive       string            `toml:"keepalive"`
	Features        []string          `toml:"features"`
}

func defaultCLIConfig() cliConfig {
	defaults := wsvpn.DefaultConfig()
	return cliConfig{
		Headers:       http.Header{},
		LogLevel:      "info",
		LogFormat:     "text",
		IdleTimeout:   defaults.IdleTimeout,
		SweepInterval: defaults.SweepInterval,
		Features:      defaults.LocalFeatures,
	}
}

// loadConfig reads a TOML file over the defaults. Keys absent from the file
// keep their default values.
func loadConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load wsvpn config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "loadConfig",
			"path":     path,
			"keys":     fmt.Sprint(undecoded),
		}).Warn("Ignoring unknown config keys")
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("headers") {
		for name, value := range raw.Headers {
			cfg.Headers.Set(name, value)
		}
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("max_fragment_size") {
		cfg.MaxFragmentSize = raw.MaxFragmentSize
	}
	if meta.IsDefined("features") {
		cfg.Features = normalizeFeatures(raw.Features)
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"keepalive", raw.KeepAlive, &cfg.KeepAlive},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func (c cliConfig) validate() error {
	if c.URL == "" {
		return errors.New("server url is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q: want text or json", c.LogFormat)
	}
	if c.MaxFragmentSize < 0 {
		return fmt.Errorf("invalid max_fragment_size %d", c.MaxFragmentSize)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("invalid idle_timeout %s", c.IdleTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid sweep_interval %s", c.SweepInterval)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("invalid keepalive %s", c.KeepAlive)
	}
	return nil
}

// clientConfig maps the CLI settings onto the protocol engine configuration.
func (c cliConfig) clientConfig() wsvpn.Config {
	cfg := wsvpn.DefaultConfig()
	cfg.MaxFragmentSize = c.MaxFragmentSize
	cfg.IdleTimeout = c.IdleTimeout
	cfg.SweepInterval = c.SweepInterval
	cfg.LocalFeatures = c.Features
	return cfg
}

// configureLogging applies the level and format to the global logger.
func (c cliConfig) configureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func normalizeFeatures(in []string) []string {
	out := make([]string, 0, len(in))
	for _, feature := range in {
		v := strings.TrimSpace(feature)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
