package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T, lvl, fmtName string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	InitWithWriter(buf, lvl, fmtName, false)
	t.Cleanup(func() {
		InitWithWriter(os.Stdout, "INFO", "text", false)
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, "WARN", "text")

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "[WARN] warn message")
	assert.Contains(t, out, "[ERROR] error message")
}

func TestTextAttrs(t *testing.T) {
	buf := captureOutput(t, "DEBUG", "text")

	With("component", "sessionpool").Info("session opened", "session_id", "abc", "refs", 1)

	out := buf.String()
	assert.Contains(t, out, "component=sessionpool")
	assert.Contains(t, out, "session_id=abc")
	assert.Contains(t, out, "refs=1")
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t, "INFO", "json")

	Info("reaped", "session_id", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "reaped", rec["msg"])
	assert.Equal(t, "abc", rec["session_id"])
}

func TestInvalidSettingsIgnored(t *testing.T) {
	buf := captureOutput(t, "INFO", "text")

	SetLevel("verbose")
	SetFormat("xml")
	Info("still text")

	assert.Contains(t, buf.String(), "[INFO] still text")
}
