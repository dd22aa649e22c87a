// Package config loads keepsake.yaml.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"keepsake.gg/internal/persistence/codec"
	"keepsake.gg/internal/persistence/filestore"
	"keepsake.gg/internal/persistence/manager"
)

type Config struct {
	Persistence PersistenceSpec `yaml:"persistence"`
	Index       IndexSpec       `yaml:"index"`
	Journal     JournalSpec     `yaml:"journal"`
	Admin       AdminSpec       `yaml:"admin"`
}

type PersistenceSpec struct {
	DataDir                 string  `yaml:"data_dir"`
	DataDirectoryName       string  `yaml:"data_directory_name"`
	PrimaryFileName         string  `yaml:"primary_file_name"`
	BackupFileName          string  `yaml:"backup_file_name"`
	EncryptionEnabled       bool    `yaml:"encryption_enabled"`
	EncryptionKey           string  `yaml:"encryption_key"`
	Compression             string  `yaml:"compression"`
	AutoSaveIntervalSeconds float64 `yaml:"auto_save_interval_seconds"`
	DisablePersistence      bool    `yaml:"disable_persistence"`
	InitializeDataIfNull    bool    `yaml:"initialize_data_if_null"`
	DefaultProfile          string  `yaml:"default_profile"`

	// RecoverMissingPrimary lets Load fall back to the backup when the
	// primary file is gone. Off means a missing primary is a first run.
	RecoverMissingPrimary bool `yaml:"recover_missing_primary"`
}

type IndexSpec struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type JournalSpec struct {
	Enabled bool `yaml:"enabled"`
}

type AdminSpec struct {
	Listen string `yaml:"listen"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Persistence: PersistenceSpec{
			DataDir:                 "./data",
			DataDirectoryName:       "saves",
			PrimaryFileName:         "data.game",
			BackupFileName:          "data.game.bak",
			EncryptionEnabled:       false,
			Compression:             string(codec.CompressionNone),
			AutoSaveIntervalSeconds: 60,
			DefaultProfile:          "0",
		},
		Index:   IndexSpec{Enabled: true},
		Journal: JournalSpec{Enabled: true},
		Admin:   AdminSpec{Listen: "127.0.0.1:8080"},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	p := &c.Persistence
	p.DataDir = strings.TrimSpace(p.DataDir)
	if p.DataDir == "" {
		p.DataDir = "./data"
	}
	p.DataDirectoryName = strings.TrimSpace(p.DataDirectoryName)
	p.PrimaryFileName = strings.TrimSpace(p.PrimaryFileName)
	p.BackupFileName = strings.TrimSpace(p.BackupFileName)
	if p.BackupFileName == "" && p.PrimaryFileName != "" {
		p.BackupFileName = p.PrimaryFileName + ".bak"
	}
	p.Compression = strings.ToLower(strings.TrimSpace(p.Compression))
	if p.Compression == "" {
		p.Compression = string(codec.CompressionNone)
	}
	p.DefaultProfile = strings.TrimSpace(p.DefaultProfile)
	if p.DefaultProfile == "" {
		p.DefaultProfile = "0"
	}
	c.Index.Path = strings.TrimSpace(c.Index.Path)
	if c.Index.Path == "" {
		c.Index.Path = defaultIndexPath(p.DataDir)
	}
	c.Admin.Listen = strings.TrimSpace(c.Admin.Listen)
}

func defaultIndexPath(dataDir string) string {
	return filepath.Join(dataDir, "index.sqlite")
}

// SetDataDir moves the data root. An index path that followed the old root
// follows the new one.
func (c *Config) SetDataDir(dir string) {
	if c.Index.Path == defaultIndexPath(c.Persistence.DataDir) {
		c.Index.Path = ""
	}
	c.Persistence.DataDir = dir
	c.Normalize()
}

func (c Config) Validate() error {
	p := c.Persistence
	if p.DataDirectoryName == "" {
		return fmt.Errorf("persistence.data_directory_name is required")
	}
	if p.PrimaryFileName == "" {
		return fmt.Errorf("persistence.primary_file_name is required")
	}
	if p.PrimaryFileName == p.BackupFileName {
		return fmt.Errorf("persistence.backup_file_name must differ from primary_file_name")
	}
	if p.EncryptionEnabled && p.EncryptionKey == "" {
		return fmt.Errorf("persistence.encryption_key is required when encryption_enabled")
	}
	if _, err := codec.ParseCompression(p.Compression); err != nil {
		return fmt.Errorf("persistence.compression: %w", err)
	}
	if p.AutoSaveIntervalSeconds <= 0 || c.AutoSaveInterval() < time.Millisecond {
		return fmt.Errorf("persistence.auto_save_interval_seconds must be at least 0.001")
	}
	return nil
}

func (c Config) AutoSaveInterval() time.Duration {
	return time.Duration(c.Persistence.AutoSaveIntervalSeconds * float64(time.Second))
}

func (c Config) StoreConfig() filestore.Config {
	return filestore.Config{
		Root:                  c.Persistence.DataDir,
		DataDirectoryName:     c.Persistence.DataDirectoryName,
		PrimaryFileName:       c.Persistence.PrimaryFileName,
		BackupFileName:        c.Persistence.BackupFileName,
		RecoverMissingPrimary: c.Persistence.RecoverMissingPrimary,
	}
}

func (c Config) CodecOptions() codec.Options {
	return codec.Options{
		Obfuscate:   c.Persistence.EncryptionEnabled,
		Key:         []byte(c.Persistence.EncryptionKey),
		Compression: codec.Compression(c.Persistence.Compression),
	}
}

// ManagerConfig leaves ProfileID empty; the caller decides which profile to
// select.
func (c Config) ManagerConfig() manager.Config {
	return manager.Config{
		DefaultProfileID:     c.Persistence.DefaultProfile,
		AutoSaveInterval:     c.AutoSaveInterval(),
		DisablePersistence:   c.Persistence.DisablePersistence,
		InitializeDataIfNull: c.Persistence.InitializeDataIfNull,
	}
}

// OpenStore builds the codec and file store described by the config.
func (c Config) OpenStore(logger *log.Logger) (*filestore.Store, error) {
	cd, err := codec.New(c.CodecOptions())
	if err != nil {
		return nil, err
	}
	return filestore.New(c.StoreConfig(), cd, logger)
}
