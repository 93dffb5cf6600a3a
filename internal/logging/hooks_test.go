package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHookAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firstboot.log")

	hook, err := NewFileHook(path)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(hook)

	logger.Info("network wait finished")
	logger.Warn("gateway unreachable")
	require.NoError(t, hook.Close())

	// a second run must append, never truncate
	hook2, err := NewFileHook(path)
	require.NoError(t, err)
	logger2 := logrus.New()
	logger2.SetOutput(io.Discard)
	logger2.AddHook(hook2)
	logger2.Info("second boot attempt")
	require.NoError(t, hook2.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[INFO] network wait finished")
	assert.Contains(t, lines[1], "[WARNING] gateway unreachable")
	assert.Contains(t, lines[2], "second boot attempt")

	// every line carries a timestamp
	for _, line := range lines {
		assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T`, line)
	}
}

func TestStringifyKey(t *testing.T) {
	assert.Equal(t, "STEP_NAME", stringifyKey("step-name"))
	assert.Equal(t, "RUN_ID", stringifyKey("_run.id"))
}
