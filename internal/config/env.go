package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the yaml file. Unset variables leave
// the file value alone.
type envOverrides struct {
	DataDir                 *string  `env:"KS_DATA_DIR"`
	EncryptionEnabled       *bool    `env:"KS_ENCRYPTION_ENABLED"`
	EncryptionKey           *string  `env:"KS_ENCRYPTION_KEY"`
	Compression             *string  `env:"KS_COMPRESSION"`
	AutoSaveIntervalSeconds *float64 `env:"KS_AUTOSAVE_SECONDS"`
	DisablePersistence      *bool    `env:"KS_DISABLE_PERSISTENCE"`
	AdminListen             *string  `env:"KS_ADMIN_LISTEN"`
}

// ApplyEnv overrides fields from KS_* environment variables and normalizes
// the result. The caller still runs Validate.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	p := &c.Persistence
	if o.DataDir != nil && *o.DataDir != "" {
		c.SetDataDir(*o.DataDir)
	}
	if o.EncryptionEnabled != nil {
		p.EncryptionEnabled = *o.EncryptionEnabled
	}
	if o.EncryptionKey != nil && *o.EncryptionKey != "" {
		p.EncryptionKey = *o.EncryptionKey
	}
	if o.Compression != nil {
		p.Compression = *o.Compression
	}
	if o.AutoSaveIntervalSeconds != nil {
		p.AutoSaveIntervalSeconds = *o.AutoSaveIntervalSeconds
	}
	if o.DisablePersistence != nil {
		p.DisablePersistence = *o.DisablePersistence
	}
	if o.AdminListen != nil && *o.AdminListen != "" {
		c.Admin.Listen = *o.AdminListen
	}
	c.Normalize()
	return nil
}
