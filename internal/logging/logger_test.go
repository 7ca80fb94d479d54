package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" INFO ", LevelInfo},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{Level: LevelDebug, Dir: dir, Service: "test", Quiet: true})
	logger.Info("queued mutation", "id", 7, "token_present", true)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	name := filepath.Join(dir, "test_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)

	line := string(data)
	assert.True(t, strings.Contains(line, `"msg":"queued mutation"`), line)
	assert.True(t, strings.Contains(line, `"service":"test"`), line)
	assert.True(t, strings.Contains(line, `"id":7`), line)
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	logger.Error("nobody hears this")
	assert.NoError(t, logger.Close())
}
