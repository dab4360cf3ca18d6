// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keylifecycle.
//
// go-keylifecycle is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the process configuration from a YAML file,
// applies environment variable overrides, and validates the result.
// Every field has a usable default, so running without a config file
// is supported.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// EnvConfigPath names the config file when the --config flag is absent.
const EnvConfigPath = "KEYLIFECYCLE_CONFIG"

// Defaults applied when neither the file nor the environment sets a
// value.
const (
	DefaultKeysPath       = "/secrets/keys"
	DefaultBackupPath     = "/opt/keylifecycle/backups"
	DefaultTPMDevicePath  = "/dev/tpmrm0"
	DefaultTPMVersion     = "2.0"
	DefaultRetentionDays  = 30
	DefaultKeepCount      = 5
	DefaultEncTimeoutSecs = 600
	DefaultMetaTimeout    = 10
	DefaultDatabase       = "keylifecycle"
	DefaultServerHost     = "127.0.0.1"
	DefaultServerPort     = 8443
	DefaultRequestsPerMin = 120
)

// Config is the complete process configuration
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Backup     BackupConfig     `yaml:"backup"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Transfer   TransferConfig   `yaml:"transfer"`
	TPM        TPMConfig        `yaml:"tpm"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig locates the keystore
type StorageConfig struct {
	KeysPath string `yaml:"keys_path"`
}

// BackupConfig controls archive placement and retention
type BackupConfig struct {
	Path          string `yaml:"path"`
	EncryptedPath string `yaml:"encrypted_path"`
	RetentionDays int    `yaml:"retention_days"`
	KeepCount     int    `yaml:"keep_count"`
	RemoteDir     string `yaml:"remote_dir"`
}

// RotationConfig controls the rotation schedule. IntervalDays and
// Retain, when non-zero, override the built-in per-type schedule
// uniformly; the policies map then overrides individual types.
type RotationConfig struct {
	IntervalDays int                     `yaml:"interval_days"`
	Retain       int                     `yaml:"retain"`
	Policies     map[string]PolicyConfig `yaml:"policies"`
}

// PolicyConfig overrides the schedule for one key type
type PolicyConfig struct {
	IntervalDays int `yaml:"interval_days"`
	Retain       int `yaml:"retain"`
}

// EncryptionConfig controls the archive encryption envelope
type EncryptionConfig struct {
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	PassphraseFile       string `yaml:"passphrase_file"`
	RecipientKeyringFile string `yaml:"recipient_keyring_file"`
	PrivateKeyringFile   string `yaml:"private_keyring_file"`
}

// Timeout returns the encryption deadline as a duration
func (e EncryptionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// MetadataConfig locates the audit-record database. Leaving both URI
// and BoltPath empty runs the process in local-only mode.
type MetadataConfig struct {
	URI                   string `yaml:"uri"`
	Database              string `yaml:"database"`
	BoltPath              string `yaml:"bolt_path"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

// Configured reports whether any metadata store is configured
func (m MetadataConfig) Configured() bool {
	return m.URI != "" || m.BoltPath != ""
}

// ConnectTimeout returns the dial deadline as a duration
func (m MetadataConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSeconds) * time.Second
}

// TransferConfig holds the SSH target for off-site archive copies
type TransferConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Password       string `yaml:"password"`
	HostKeyFile    string `yaml:"host_key_file"`
}

// Configured reports whether an off-site target is configured
func (t TransferConfig) Configured() bool {
	return t.Host != ""
}

// TPMConfig controls the TPM 2.0 generation backend
type TPMConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DevicePath string `yaml:"device_path"`
	Version    string `yaml:"version"`
}

// ServerConfig controls the status REST server
type ServerConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// RateLimitConfig controls per-client rate limiting on the status server
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field at its default
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			KeysPath: DefaultKeysPath,
		},
		Backup: BackupConfig{
			Path:          DefaultBackupPath,
			RetentionDays: DefaultRetentionDays,
			KeepCount:     DefaultKeepCount,
		},
		Encryption: EncryptionConfig{
			TimeoutSeconds: DefaultEncTimeoutSecs,
		},
		Metadata: MetadataConfig{
			Database:              DefaultDatabase,
			ConnectTimeoutSeconds: DefaultMetaTimeout,
		},
		TPM: TPMConfig{
			DevicePath: DefaultTPMDevicePath,
			Version:    DefaultTPMVersion,
		},
		Server: ServerConfig{
			Host: DefaultServerHost,
			Port: DefaultServerPort,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: DefaultRequestsPerMin,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file over the defaults, applies
// environment variable overrides, and validates the result
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve locates and loads the configuration: the explicit path wins,
// then KEYLIFECYCLE_CONFIG, and with neither set the defaults plus
// environment overrides apply
func Resolve(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		return Load(path)
	}

	cfg := Default()
	applyEnvOverrides(cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// normalize derives dependent defaults after file and environment are
// applied
func (c *Config) normalize() {
	if c.Backup.EncryptedPath == "" && c.Backup.Path != "" {
		c.Backup.EncryptedPath = filepath.Join(c.Backup.Path, "encrypted")
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Invalid numeric values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	if keysPath := os.Getenv("KEY_STORAGE_PATH"); keysPath != "" {
		cfg.Storage.KeysPath = keysPath
	}
	if backupPath := os.Getenv("BACKUP_PATH"); backupPath != "" {
		cfg.Backup.Path = backupPath
	}
	if encryptedPath := os.Getenv("ENCRYPTED_BACKUP_PATH"); encryptedPath != "" {
		cfg.Backup.EncryptedPath = encryptedPath
	}

	if uri := os.Getenv("METADATA_DB_URI"); uri != "" {
		cfg.Metadata.URI = uri
	}
	if database := os.Getenv("METADATA_DB_NAME"); database != "" {
		cfg.Metadata.Database = database
	}

	if devicePath := os.Getenv("TPM_DEVICE_PATH"); devicePath != "" {
		cfg.TPM.DevicePath = devicePath
	}
	if version := os.Getenv("TPM_VERSION"); version != "" {
		cfg.TPM.Version = version
	}

	applyIntEnv("BACKUP_RETENTION_DAYS", &cfg.Backup.RetentionDays, 0)
	applyIntEnv("KEY_BACKUP_COUNT", &cfg.Backup.KeepCount, 0)
	applyIntEnv("KEY_ROTATION_INTERVAL_DAYS", &cfg.Rotation.IntervalDays, 0)
	applyIntEnv("ENCRYPTION_TIMEOUT_SECONDS", &cfg.Encryption.TimeoutSeconds, 1)
}

// applyIntEnv overrides an integer field from the environment, keeping
// the current value when the variable does not parse or falls below the
// floor
func applyIntEnv(name string, field *int, floor int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using default %d: %v", name, raw, *field, err)
		return
	}
	if value < floor {
		log.Printf("Warning: invalid %s value %q (below %d), using default %d", name, raw, floor, *field)
		return
	}
	*field = value
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Storage.KeysPath == "" {
		return fmt.Errorf("storage keys_path must be specified")
	}
	if c.Backup.Path == "" {
		return fmt.Errorf("backup path must be specified")
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup retention_days must not be negative: %d", c.Backup.RetentionDays)
	}
	if c.Backup.KeepCount < 0 {
		return fmt.Errorf("backup keep_count must not be negative: %d", c.Backup.KeepCount)
	}

	if c.Rotation.IntervalDays < 0 {
		return fmt.Errorf("rotation interval_days must not be negative: %d", c.Rotation.IntervalDays)
	}
	if c.Rotation.Retain < 0 {
		return fmt.Errorf("rotation retain must not be negative: %d", c.Rotation.Retain)
	}
	for name, policy := range c.Rotation.Policies {
		if _, err := types.ParseKeyType(name); err != nil {
			return fmt.Errorf("rotation policy for unknown key type %q", name)
		}
		if policy.IntervalDays < 0 || policy.Retain < 0 {
			return fmt.Errorf("rotation policy for %q must not be negative", name)
		}
	}

	if c.Encryption.TimeoutSeconds < 1 {
		return fmt.Errorf("encryption timeout_seconds must be positive: %d", c.Encryption.TimeoutSeconds)
	}
	if c.Metadata.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("metadata connect_timeout_seconds must not be negative: %d",
			c.Metadata.ConnectTimeoutSeconds)
	}
	if c.Metadata.URI != "" && c.Metadata.BoltPath != "" {
		return fmt.Errorf("metadata uri and bolt_path are mutually exclusive")
	}

	if c.Transfer.Host != "" && c.Transfer.User == "" {
		return fmt.Errorf("transfer user is required when a host is configured")
	}

	if c.TPM.Enabled && c.TPM.Version != "2.0" {
		return fmt.Errorf("unsupported TPM version: %s (only 2.0 is supported)", c.TPM.Version)
	}
	if c.TPM.Enabled && c.TPM.DevicePath == "" {
		return fmt.Errorf("TPM device_path is required when the TPM backend is enabled")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMin < 1 {
		return fmt.Errorf("ratelimit requests_per_min must be positive: %d",
			c.Server.RateLimit.RequestsPerMin)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
