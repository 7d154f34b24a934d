package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mapdash/mapdash/internal/session"
	"gopkg.in/yaml.v3"
)

// Config is the optional YAML server configuration; environment
// variables cover deploy-specific settings, the file covers gameplay
// defaults.
type Config struct {
	Game struct {
		MaxPlayers      int    `yaml:"max_players"`
		RoundDurationMs int    `yaml:"round_duration_ms"`
		TotalRounds     int    `yaml:"total_rounds"`
		Difficulty      string `yaml:"difficulty"`
	} `yaml:"game"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// sessionDefaults merges the config file over the built-in defaults.
func sessionDefaults(config *Config) session.Settings {
	defaults := session.DefaultSettings()
	if config == nil {
		return defaults
	}
	if config.Game.MaxPlayers > 0 {
		defaults.MaxPlayers = config.Game.MaxPlayers
	}
	if config.Game.RoundDurationMs > 0 {
		defaults.RoundDurationMs = config.Game.RoundDurationMs
	}
	if config.Game.TotalRounds > 0 {
		defaults.TotalRounds = config.Game.TotalRounds
	}
	if config.Game.Difficulty != "" {
		defaults.Difficulty = config.Game.Difficulty
	}
	return defaults
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
