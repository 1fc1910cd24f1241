package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"level":"INFO","ts":"2025-10-16T09:00:00.000Z","logger":"causelist.session","msg":"Session started.","session_id":"s-1"}
{"level":"WARN","ts":"2025-10-16T09:00:01.000Z","logger":"causelist.human_gate","msg":"Operator did not confirm the challenge in time."}
not json at all
{"level":"ERROR","ts":"2025-10-16T09:00:02.000Z","logger":"causelist.session","msg":"Session failed.","kind":"captcha_timeout","caller":"session/runner.go:105"}
`

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "causelist.log")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o600))
	return path
}

func TestShowLogs(t *testing.T) {
	path := writeLog(t)

	t.Run("should print only the trailing entries", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, showLogs(context.Background(), path, logsOptions{lines: 2}, &out))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "not json at all", lines[0])
		assert.Equal(t, `2025-10-16T09:00:02.000Z ERROR causelist.session Session failed. {"kind":"captcha_timeout"}`, lines[1])
	})

	t.Run("should print everything when lines is zero", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, showLogs(context.Background(), path, logsOptions{}, &out))
		assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 4)
	})

	t.Run("should keep raw entries untouched", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, showLogs(context.Background(), path, logsOptions{lines: 1, raw: true}, &out))
		assert.Contains(t, out.String(), `"caller":"session/runner.go:105"`)
	})

	t.Run("should fail for a missing file", func(t *testing.T) {
		err := showLogs(context.Background(), filepath.Join(t.TempDir(), "absent.log"), logsOptions{}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestFormatEntry(t *testing.T) {
	t.Run("should lay out the standard keys first", func(t *testing.T) {
		got := formatEntry(`{"msg":"hello","level":"INFO","ts":"t0"}`, false)
		assert.Equal(t, "t0 INFO hello", got)
	})

	t.Run("should pass non-object lines through", func(t *testing.T) {
		assert.Equal(t, "[1,2]", formatEntry("[1,2]", false))
	})
}
