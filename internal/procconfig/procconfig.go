// Package procconfig binds the process-level environment the gateway
// expects (spec.md §6): region, staging bucket, metadata table prefix,
// primary key field name, and the config sidecar's URL.
package procconfig

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// sidecarURL is fixed per spec.md §6 and is never environment-overridable.
const sidecarURL = "http://localhost:2772"

// Environment holds process-wide settings read once at startup.
type Environment struct {
	Region string `mapstructure:"region"`

	// AccountID is the AWS account the gateway's managed filter arns belong
	// to; it expands a caller-supplied filter name into
	// arn:aws:personalize:<region>:<accountId>:filter/<name> (spec.md §4.9
	// step 5).
	AccountID string `mapstructure:"account_id"`

	// StagingBucket names the object-storage bucket LocalIndexedFileDecorator
	// downloads compressed metadata files from.
	StagingBucket string `mapstructure:"staging_bucket"`

	// ItemsTableNamePrefix prefixes the per-namespace remote key-value
	// table name used by KeyValueStoreDecorator.
	ItemsTableNamePrefix string `mapstructure:"items_table_name_prefix"`

	// ItemsTablePrimaryKeyFieldName names the primary key field/column of
	// that table.
	ItemsTablePrimaryKeyFieldName string `mapstructure:"items_table_primary_key_field_name"`

	// ConfigCacheTTL is the default max_age passed to ConfigProvider.GetConfig.
	ConfigCacheTTL time.Duration `mapstructure:"config_cache_ttl"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig mirrors the fields internal/logging.Config needs from the
// environment.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ConfigSidecarURL returns the fixed local URL of the config-distribution
// sidecar.
func ConfigSidecarURL() string {
	return sidecarURL
}

// Load reads the process environment using viper, applying the defaults
// below and allowing every field to be overridden by an env var of the
// same name with a GATEWAY_ prefix (e.g. GATEWAY_REGION).
func Load() (*Environment, error) {
	v := viper.New()
	v.SetEnvPrefix("gateway")
	v.AutomaticEnv()

	v.SetDefault("region", "us-east-1")
	v.SetDefault("account_id", "")
	v.SetDefault("staging_bucket", "")
	v.SetDefault("items_table_name_prefix", "PersonalizationApiItemMetadata_")
	v.SetDefault("items_table_primary_key_field_name", "id")
	v.SetDefault("config_cache_ttl", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	var env Environment
	for _, key := range []string{
		"region", "account_id", "staging_bucket", "items_table_name_prefix",
		"items_table_primary_key_field_name", "config_cache_ttl",
		"log.level", "log.format", "log.output",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.Unmarshal(&env); err != nil {
		return nil, fmt.Errorf("procconfig: unmarshal environment: %w", err)
	}
	if env.Region == "" {
		return nil, fmt.Errorf("procconfig: region is required")
	}
	return &env, nil
}
