package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxguard/warden/pkg/domain"
)

func TestLoadConfigLevelFlagOverride(t *testing.T) {
	levelFlag = "strict"
	defer func() { levelFlag = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.IsolationStrict, cfg.Level)
	assert.True(t, cfg.EnableNetworkIsolation)
}

func TestLoadConfigRejectsUnknownLevel(t *testing.T) {
	levelFlag = "paranoid"
	defer func() { levelFlag = "" }()

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestRedisFlagOverride(t *testing.T) {
	redisFlag = "localhost:6379"
	defer func() { redisFlag = "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.QuarantineRedisAddr)
}
