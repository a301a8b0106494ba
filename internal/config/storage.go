package config

import (
	"fmt"
	"os"
)

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Type         string `mapstructure:"type"` // s3, r2, s3compatible, minio, memory; empty auto-detects from endpoint
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	AccessKeyEnv string `mapstructure:"access_key_env"` // env var holding the access key
	SecretKey    string `mapstructure:"secret_key"`
	SecretKeyEnv string `mapstructure:"secret_key_env"` // env var holding the secret key
	UseSSL       bool   `mapstructure:"use_ssl"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
}

// ResolveEnvVars loads credentials from the referenced environment variables.
// Values set directly take precedence.
func (c *StorageConfig) ResolveEnvVars() {
	if c.AccessKeyEnv != "" && c.AccessKey == "" {
		c.AccessKey = os.Getenv(c.AccessKeyEnv)
	}
	if c.SecretKeyEnv != "" && c.SecretKey == "" {
		c.SecretKey = os.Getenv(c.SecretKeyEnv)
	}
}

// Validate checks that the storage configuration is usable.
func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "", "s3", "r2", "s3compatible", "minio":
	case "memory":
		return nil
	default:
		return fmt.Errorf("storage: unknown type %q", c.Type)
	}
	if c.Bucket == "" {
		return fmt.Errorf("storage: bucket is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("storage: endpoint is required for type %q", c.Type)
	}
	return nil
}
