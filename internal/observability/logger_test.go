// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncBuffer is a goroutine safe bytes.Buffer usable as a zap write syncer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Sync() error { return nil }

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestInitialize(t *testing.T) {
	t.Run("console format colorizes levels and suffixes names", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "helix",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Named("ledger").Info("probing sources")
		Sync()

		output := out.String()
		assert.Contains(t, output, colorGreen+"INFO"+colorReset)
		assert.Contains(t, output, "helix.ledger.")
		assert.Contains(t, output, "probing sources")
	})

	t.Run("json format emits structured fields", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "helix"}, out)
		GetLogger().Warn("version probe failed", zap.String("source", "mondo"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out.String()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "helix", entry["logger"])
		assert.Equal(t, "mondo", entry["source"])
	})

	t.Run("log file receives json lines", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		logFile := filepath.Join(t.TempDir(), "helix.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "console", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&syncBuffer{}))
		GetLogger().Error("import failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"import failed"`)
	})

	t.Run("only the first initialization wins", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "second"}, out)

		assert.Same(t, first, GetLogger())
		GetLogger().Info("hello")
		Sync()
		assert.Contains(t, out.String(), "first")
		assert.NotContains(t, out.String(), "second")
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, out)
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		Sync()

		assert.NotContains(t, out.String(), "hidden")
		assert.Contains(t, out.String(), "shown")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("returns a fallback before initialization", func(t *testing.T) {
		ResetForTest()
		assert.NotNil(t, GetLogger())
	})

	t.Run("returns the stored logger after initialization", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		Initialize(config.LoggerConfig{Level: "info"}, zapcore.AddSync(&syncBuffer{}))
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
