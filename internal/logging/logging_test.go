package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLaserCore/internal/config"
)

func TestBuild_ProductionJSON(t *testing.T) {
	var out bytes.Buffer
	logger, closeFn, err := build(config.LoggingConfig{Level: "info"}, &out)
	require.NoError(t, err)

	logger.Named("monitor").Info("Poll failed", zap.Int("attempt", 2))
	logger.Debug("hidden")
	require.NoError(t, closeFn())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "Poll failed", entry["message"])
	assert.Equal(t, 2.0, entry["attempt"])
}

func TestBuild_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lasercore.log")
	var out bytes.Buffer
	logger, closeFn, err := build(config.LoggingConfig{
		Development: true,
		File:        path,
		MaxSizeMB:   1,
	}, &out)
	require.NoError(t, err)

	logger.Debug("Reader started")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"Reader started"`)
	assert.Contains(t, out.String(), "Reader started")
	assert.NotContains(t, out.String(), `"message"`, "console uses the human readable encoder")
}

func TestBuild_InvalidLevel(t *testing.T) {
	_, _, err := build(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}
