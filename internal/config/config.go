// Package config loads the orchestrator's configuration from a YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the thin non-goal HTTP surface (health/metrics only).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the DeploymentElementStore's Postgres connection.
type DatabaseConfig struct {
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// KeycloakConfig holds the role-authentication collaborator's connection
// parameters (the non-goal JWT/role middleware consumes these; the
// orchestrator itself only carries them through).
type KeycloakConfig struct {
	BaseURL                  string `json:"base_url" env:"KEYCLOAK_BASE_URL"`
	Realm                    string `json:"realm" env:"KEYCLOAK_REALM"`
	ClientID                 string `json:"client_id" env:"KEYCLOAK_CLIENT_ID"`
	ClientSecret             string `json:"client_secret" env:"KEYCLOAK_CLIENT_SECRET"`
	AuthenticationPEMContent string `json:"authentication_pem_content" env:"KEYCLOAK_AUTH_PEM"`
}

// MailerConfig holds the optional non-goal email sender's connection
// parameters.
type MailerConfig struct {
	ServerAddress string `json:"server_address" env:"MAILER_SERVER_ADDRESS"`
	Username      string `json:"username" env:"MAILER_USERNAME"`
	Password      string `json:"password" env:"MAILER_PASSWORD"`
	FromAddress   string `json:"from_address" env:"MAILER_FROM_ADDRESS"`
}

// HousekeepingConfig controls the stale-element reaper.
type HousekeepingConfig struct {
	Schedule   string `json:"schedule" yaml:"schedule" env:"HOUSEKEEPING_SCHEDULE"`
	GracePeriodSeconds int `json:"grace_period_seconds" yaml:"grace_period_seconds" env:"HOUSEKEEPING_GRACE_SECONDS"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`

	// Deployers maps a backend's symbolic name to its dial target
	// (host:port or connection URI); the capability probe resolves
	// each entry into a BackendConnection at startup.
	Deployers map[string]string `json:"deployers"`

	// DeploymentGroups maps a group name to the backend names that may
	// serve it. It is loaded here only; no other package in this module
	// selects backends by group.
	DeploymentGroups map[string][]string `json:"deployment_groups" yaml:"deployment_groups"`

	// DefaultDeploymentGroup names a key of DeploymentGroups. Like
	// DeploymentGroups it is loaded but not read by any other package here.
	DefaultDeploymentGroup string `json:"default_deployment_group" yaml:"default_deployment_group" env:"DEFAULT_DEPLOYMENT_GROUP"`

	Keycloak      KeycloakConfig     `json:"keycloak"`
	Mailer        MailerConfig       `json:"mailer"`
	Housekeeping  HousekeepingConfig `json:"housekeeping"`

	// FileStoragePath is where the pipeline writes downloaded event-info
	// files, each named by its checksum; the store only keeps a path
	// reference.
	FileStoragePath string `json:"file_storage_path" yaml:"file_storage_path" env:"FILE_STORAGE_PATH"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		DeploymentGroups: map[string][]string{},
		Deployers:        map[string]string{},
		Housekeeping: HousekeepingConfig{
			Schedule:           "@every 5m",
			GracePeriodSeconds: 900,
		},
		FileStoragePath: "./data/scenarios",
	}
}

// Load loads configuration from a file (if present) and environment
// variables, in that order, with the environment taking precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field has a matching environment
		// variable set; treat that as "no overrides" so local runs work
		// without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, bypassing environment
// overrides; primarily used by tests.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL (the conventional Postgres env
// var) stand in for DATABASE_DSN so operators don't need two names for the
// same thing.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
