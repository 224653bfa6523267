package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.With("console").Info("connected after %d attempts", 3)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "console", entry["component"])
	assert.Equal(t, "connected after 3 attempts", entry["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestRedirectStdLog(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "json", Output: &buf})
	require.NoError(t, err)

	RedirectStdLog(l)
	defer log.SetOutput(os.Stderr)

	log.Printf("from stdlib")
	assert.Contains(t, buf.String(), `"message":"from stdlib"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestRetryableHTTPPairs(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)

	RetryableHTTP(l).Debug("performing request", "method", "GET", "url", "/login")
	assert.Contains(t, buf.String(), "performing request method=GET url=/login")
}
