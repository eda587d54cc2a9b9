package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/taoyao-code/wake-gateway/internal/config"
)

func TestInitLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.log")
	logger, err := InitLogger(cfgpkg.LoggingConfig{
		Level:  "debug",
		Format: "json",
		File:   cfgpkg.LumberjackConfig{Filename: path, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	Component(logger, "gateway").Info("transfer completed")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"gateway"`)
	assert.Contains(t, string(data), "transfer completed")
}

func TestInitLogger_BadLevel(t *testing.T) {
	_, err := InitLogger(cfgpkg.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
