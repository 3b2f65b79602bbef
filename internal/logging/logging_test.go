package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, log.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, log.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, log.InfoLevel, ParseLevel(""))
	assert.Equal(t, log.InfoLevel, ParseLevel("verbose"))
}

func TestNew_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", Stderr: &buf})
	require.NoError(t, err)
	defer closeFn()

	logger.Info("file processed", "disposition", "consumed")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "file processed")
	assert.Contains(t, out, "disposition")
	assert.Contains(t, out, "consumed")
	assert.NotContains(t, out, "hidden")
}

func TestNew_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "debug", File: path, Stderr: &buf})
	require.NoError(t, err)

	logger.Warn("session degraded", "channel", "whatsapp")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "channel=whatsapp")
	assert.Contains(t, string(data), `msg="session degraded"`)
	assert.Contains(t, string(data), "level=warn")
}

func TestNew_LogFileKeepsConsoleText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Level: "info", File: path, Stderr: &buf})
	require.NoError(t, err)

	logger.With("component", "watch").Info("file detected", "file", "a.pdf")
	logger.Debug("hidden")
	require.NoError(t, closeFn())

	console := buf.String()
	assert.Contains(t, console, "INFO")
	assert.Contains(t, console, "file detected")
	assert.Contains(t, console, "component=watch")
	assert.NotContains(t, console, "msg=")
	assert.NotContains(t, console, "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `msg="file detected"`)
	assert.Contains(t, string(data), "component=watch")
	assert.NotContains(t, string(data), "hidden")
}

func TestMaskRecipient(t *testing.T) {
	assert.Equal(t, "9665*****567", MaskRecipient("966501234567"))
	assert.Equal(t, "****", MaskRecipient("1234"))
	assert.Equal(t, "", MaskRecipient(""))
}
