package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Spawn     SpawnConfig      `json:"spawn"`
	Worklog   WorklogConfig    `json:"worklog"`
	Gateway   GatewayConfig    `json:"gateway"`
	Employees []EmployeeConfig `json:"employees"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// SpawnConfig controls how agent CLI subprocesses are launched.
type SpawnConfig struct {
	// Binaries maps a CLI backend name ("claude", "codex", ...) to the
	// executable invoked for it. Missing entries fall back to the backend name.
	Binaries map[string]string `json:"binaries"`
	// Workdir is where subprocesses run; defaults to the server's cwd.
	Workdir string `json:"workdir"`
	// TimeoutSeconds bounds one subprocess run; 0 means no timeout.
	TimeoutSeconds int `json:"timeout_seconds"`
}

type WorklogConfig struct {
	Dir string `json:"dir"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// EmployeeConfig seeds a registered employee at startup.
type EmployeeConfig struct {
	Name  string `json:"name"`
	CLI   string `json:"cli"`
	Model string `json:"model"`
	Role  string `json:"role"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
