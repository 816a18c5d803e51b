package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("pat-12345").AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pat-12345", tok)
}

func TestConfig_Settings(t *testing.T) {
	cfg := &Config{
		Settings: map[string]interface{}{
			"owner":    "weave-org",
			"insecure": true,
			"count":    3,
		},
	}

	assert.Equal(t, "weave-org", cfg.StringSetting("owner", "fallback"))
	assert.Equal(t, "fallback", cfg.StringSetting("missing", "fallback"))
	// Wrong type falls back too.
	assert.Equal(t, "fallback", cfg.StringSetting("count", "fallback"))

	assert.True(t, cfg.BoolSetting("insecure", false))
	assert.False(t, cfg.BoolSetting("missing", false))
	assert.True(t, cfg.BoolSetting("owner", true))
}

func TestRequireToken(t *testing.T) {
	_, err := requireToken(context.Background(), &Config{}, "gitea")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gitea")

	tok, err := requireToken(context.Background(), &Config{Token: StaticToken("x")}, "gitea")
	require.NoError(t, err)
	assert.Equal(t, "x", tok)
}
