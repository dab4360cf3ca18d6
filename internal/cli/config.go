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

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jeremyhahn/go-keylifecycle/internal/config"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backend"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/software"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backend/tpm2"
	"github.com/jeremyhahn/go-keylifecycle/pkg/backup"
	"github.com/jeremyhahn/go-keylifecycle/pkg/cipher"
	"github.com/jeremyhahn/go-keylifecycle/pkg/keystore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/logging"
	"github.com/jeremyhahn/go-keylifecycle/pkg/manifest"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata/bolt"
	"github.com/jeremyhahn/go-keylifecycle/pkg/metadata/mongo"
	"github.com/jeremyhahn/go-keylifecycle/pkg/restore"
	"github.com/jeremyhahn/go-keylifecycle/pkg/rotation"
	"github.com/jeremyhahn/go-keylifecycle/pkg/transfer"
	"github.com/jeremyhahn/go-keylifecycle/pkg/types"
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// OutputFormat controls output formatting (json, text, table)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool

	app    *config.Config
	logger *logging.Logger
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		OutputFormat: "text",
		Verbose:      false,
	}
}

// App resolves and caches the process configuration. The explicit
// --config path wins, then KEYLIFECYCLE_CONFIG, then pure defaults.
func (c *Config) App() (*config.Config, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Resolve(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	c.app = cfg
	return cfg, nil
}

// Logger builds the process logger from the logging section. --verbose
// forces debug regardless of the configured level.
func (c *Config) Logger() *logging.Logger {
	if c.logger != nil {
		return c.logger
	}
	debug := c.Verbose
	format := "text"
	if cfg, err := c.App(); err == nil {
		if strings.EqualFold(cfg.Logging.Level, "debug") {
			debug = true
		}
		format = strings.ToLower(cfg.Logging.Format)
	}
	if format == "json" {
		c.logger = logging.NewJSON(debug)
	} else {
		c.logger = logging.New(debug)
	}
	return c.logger
}

// CreateKeystore opens the keystore rooted at the configured keys path
func (c *Config) CreateKeystore() (*keystore.KeyStore, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	return keystore.New(cfg.Storage.KeysPath, c.Logger())
}

// CreateGenerationBackend builds the generation backend. An empty name
// follows the configuration: tpm when the TPM section is enabled,
// software otherwise. There is no implicit fallback from tpm to
// software; an unavailable TPM is the caller's problem to surface.
func (c *Config) CreateGenerationBackend(name string) (backend.Backend, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	if name == "" {
		if cfg.TPM.Enabled {
			name = "tpm"
		} else {
			name = "software"
		}
	}
	switch name {
	case "software":
		return software.NewBackend(c.Logger()), nil
	case "tpm", "tpm2":
		return tpm2.NewBackend(tpm2.Config{DevicePath: cfg.TPM.DevicePath}, c.Logger()), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}

// CreateCipher builds the archive encryption provider from the
// encryption section. Without a passphrase file or recipient keyring
// it returns nil; backup rejects --encrypt and restore rejects
// encrypted envelopes in that case.
func (c *Config) CreateCipher() (cipher.Provider, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}

	pgp := cipher.OpenPGPConfig{}
	if cfg.Encryption.PassphraseFile != "" {
		data, err := os.ReadFile(cfg.Encryption.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase file: %w", err)
		}
		pgp.Passphrase = []byte(strings.TrimSpace(string(data)))
	}
	if cfg.Encryption.RecipientKeyringFile != "" {
		data, err := os.ReadFile(cfg.Encryption.RecipientKeyringFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read recipient keyring: %w", err)
		}
		pgp.RecipientKeyring = data
	}
	if cfg.Encryption.PrivateKeyringFile != "" {
		data, err := os.ReadFile(cfg.Encryption.PrivateKeyringFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private keyring: %w", err)
		}
		pgp.PrivateKeyring = data
	}

	if len(pgp.Passphrase) == 0 && len(pgp.RecipientKeyring) == 0 {
		return nil, nil
	}
	return cipher.NewOpenPGP(pgp, c.Logger())
}

// CreateMetadata connects the configured metadata store. With neither
// a mongo URI nor a bolt path, it returns nil and the managers run in
// local-only mode.
func (c *Config) CreateMetadata(ctx context.Context) (metadata.Store, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Metadata.URI != "":
		return mongo.Connect(ctx, mongo.Config{
			URI:            cfg.Metadata.URI,
			Database:       cfg.Metadata.Database,
			ConnectTimeout: cfg.Metadata.ConnectTimeout(),
		}, c.Logger())
	case cfg.Metadata.BoltPath != "":
		return bolt.Open(cfg.Metadata.BoltPath, c.Logger())
	default:
		return nil, nil
	}
}

// CreateTransfer builds the off-site transport. Without a configured
// host it returns nil and archives stay local.
func (c *Config) CreateTransfer() (transfer.Transport, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	if !cfg.Transfer.Configured() {
		return nil, nil
	}

	ssh := transfer.SSHConfig{
		Host:     cfg.Transfer.Host,
		Port:     cfg.Transfer.Port,
		User:     cfg.Transfer.User,
		Password: cfg.Transfer.Password,
	}
	if cfg.Transfer.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.Transfer.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read transfer private key: %w", err)
		}
		ssh.PrivateKey = data
	}
	if cfg.Transfer.HostKeyFile != "" {
		data, err := os.ReadFile(cfg.Transfer.HostKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read transfer host key: %w", err)
		}
		ssh.HostPublicKey = data
	}
	return transfer.NewSSH(ssh, c.Logger())
}

// CreateBackupManager wires the backup manager with the configured
// cipher and transport
func (c *Config) CreateBackupManager(store *keystore.KeyStore) (*backup.Manager, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	provider, err := c.CreateCipher()
	if err != nil {
		return nil, err
	}
	transport, err := c.CreateTransfer()
	if err != nil {
		return nil, err
	}
	return backup.NewManager(backup.Config{
		BackupRoot:    cfg.Backup.Path,
		EncryptedRoot: cfg.Backup.EncryptedPath,
		RetentionDays: cfg.Backup.RetentionDays,
		KeepCount:     cfg.Backup.KeepCount,
		CipherTimeout: cfg.Encryption.Timeout(),
	}, store, manifest.NewService(c.Logger()), provider, transport, c.Logger())
}

// CreateRestoreManager wires the restore manager. The TPM backend is
// attached as the sealed-key loader when enabled, so restored TPM
// blobs are probed for ownership by this host.
func (c *Config) CreateRestoreManager(store *keystore.KeyStore, meta metadata.Store) (*restore.Manager, error) {
	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	provider, err := c.CreateCipher()
	if err != nil {
		return nil, err
	}
	var sealed restore.SealedKeyLoader
	if cfg.TPM.Enabled {
		sealed = tpm2.NewBackend(tpm2.Config{DevicePath: cfg.TPM.DevicePath}, c.Logger())
	}
	return restore.NewManager(restore.Config{
		BackupRoot:    cfg.Backup.Path,
		EncryptedRoot: cfg.Backup.EncryptedPath,
		CipherTimeout: cfg.Encryption.Timeout(),
	}, store, manifest.NewService(c.Logger()), provider, meta, sealed, c.Logger())
}

// CreateRotationManager wires the rotation manager over a backup
// manager sharing the same keystore
func (c *Config) CreateRotationManager(store *keystore.KeyStore, gen backend.Backend,
	backups *backup.Manager, meta metadata.Store) (*rotation.Manager, error) {

	cfg, err := c.App()
	if err != nil {
		return nil, err
	}
	return rotation.NewManager(rotationConfig(cfg), store, gen, backups, meta, c.Logger())
}

// rotationConfig translates the rotation section into policy
// overrides. Section-level interval/retain apply to every type as a
// uniform baseline; the per-type policies map then wins over that.
func rotationConfig(cfg *config.Config) rotation.Config {
	overrides := make(map[types.KeyType]rotation.Policy)

	if cfg.Rotation.IntervalDays > 0 || cfg.Rotation.Retain > 0 {
		for _, kt := range types.KeyTypes {
			overrides[kt] = rotation.Policy{
				IntervalDays: cfg.Rotation.IntervalDays,
				Retain:       cfg.Rotation.Retain,
			}
		}
	}

	for name, pc := range cfg.Rotation.Policies {
		kt, err := types.ParseKeyType(name)
		if err != nil {
			// Unknown names never pass config.Validate.
			continue
		}
		p := overrides[kt]
		if pc.IntervalDays > 0 {
			p.IntervalDays = pc.IntervalDays
		}
		if pc.Retain > 0 {
			p.Retain = pc.Retain
		}
		overrides[kt] = p
	}

	if len(overrides) == 0 {
		return rotation.Config{}
	}
	return rotation.Config{Policies: overrides}
}

// adminID resolves the audit identity recorded with mutating
// operations: the --admin-id flag when given, else the OS user.
func adminID(flag string) string {
	if flag != "" {
		return flag
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}
