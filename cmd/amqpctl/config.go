package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Profiles     string   `toml:"profiles"`
	Profile      string   `toml:"profile"`
	Channels     int      `toml:"channels"`
	AdminAddr    string   `toml:"admin_addr"`
	CorsOrigins  []string `toml:"cors_origins"`
	CloseTimeout string   `toml:"close_timeout"`
}

// runConfig drives one amqpctl process.
type runConfig struct {
	ProfilesPath string
	Profile      string
	Channels     int
	AdminAddr    string
	CorsOrigins  []string
	CloseTimeout time.Duration
}

func defaultRunConfig() runConfig {
	return runConfig{
		ProfilesPath: "cmd/amqpctl/brokers.toml",
		Channels:     1,
		AdminAddr:    "127.0.0.1:7020",
		CorsOrigins:  []string{"http://localhost:3000"},
		CloseTimeout: 5 * time.Second,
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load amqpctl config: %w", err)
	}

	if meta.IsDefined("profiles") {
		if p := strings.TrimSpace(raw.Profiles); p != "" {
			cfg.ProfilesPath = p
		}
	}

	if meta.IsDefined("profile") {
		cfg.Profile = strings.TrimSpace(raw.Profile)
	}

	if meta.IsDefined("channels") {
		if raw.Channels < 0 {
			return runConfig{}, fmt.Errorf("channels must be >= 0, got %d", raw.Channels)
		}
		cfg.Channels = raw.Channels
	}

	// empty admin_addr disables the admin server
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if meta.IsDefined("close_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CloseTimeout))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse close_timeout: %w", err)
		}
		cfg.CloseTimeout = d
	}

	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
