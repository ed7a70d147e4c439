package procconfig

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", env.Region)
	assert.Equal(t, "PersonalizationApiItemMetadata_", env.ItemsTableNamePrefix)
	assert.Equal(t, "id", env.ItemsTablePrimaryKeyFieldName)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	os.Setenv("GATEWAY_REGION", "eu-west-1")
	os.Setenv("GATEWAY_STAGING_BUCKET", "my-bucket")
	defer os.Unsetenv("GATEWAY_REGION")
	defer os.Unsetenv("GATEWAY_STAGING_BUCKET")

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", env.Region)
	assert.Equal(t, "my-bucket", env.StagingBucket)
}

func TestConfigSidecarURLIsFixed(t *testing.T) {
	assert.Equal(t, "http://localhost:2772", ConfigSidecarURL())
}
