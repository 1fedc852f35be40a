package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output with level", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "warn", Console: true, Out: &buf})
		require.NoError(t, err)
		defer l.Close()

		zl := l.GetZerolog()
		zl.Info().Msg("hidden")
		zl.Warn().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "chatgate.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		webhookLog := l.Component("webhook")
		webhookLog.Debug().Msg("written")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"webhook"`)
	})

	t.Run("redaction", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Out: &buf, Redaction: true})
		require.NoError(t, err)
		defer l.Close()

		zl := l.GetZerolog()
		zl.Info().Str("client_secret", "super-secret-value").Msg("connecting")
		assert.NotContains(t, buf.String(), "super-secret-value")
		assert.Contains(t, buf.String(), "[REDACTED]")
	})

	t.Run("installs global logger", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Out: &buf})
		require.NoError(t, err)
		defer l.Close()

		log.Info().Msg("via global")
		assert.Contains(t, buf.String(), "via global")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud", Console: true, Out: &bytes.Buffer{}})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	cases := []string{
		`{"encoding_aes_key":"abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"}`,
		`x-acs-dingtalk-access-token: 7a1b2c3d4e`,
		`wss://wss-open-connection.dingtalk.com/connect?ticket=abc-123`,
		`Authorization: Bearer eyJhbGciOi.xyz`,
		`{"accessToken":"tok-98765"}`,
	}
	for _, in := range cases {
		out := r.Redact(in)
		assert.Contains(t, out, "[REDACTED]", in)
	}

	assert.Equal(t, "plain message", r.Redact("plain message"))
	assert.Equal(t, `{"client_secret":"[REDACTED]"}`, r.Redact(`{"client_secret":"s3cr3t"}`))
	assert.Equal(t, "X-Chatgate-Secret: [REDACTED]", r.Redact("X-Chatgate-Secret: abc"))

	require.NoError(t, r.AddPattern(`corp-[0-9]+`))
	assert.Equal(t, "id [REDACTED]", r.Redact("id corp-42"))
	assert.Error(t, r.AddPattern(`(`))
}

func TestRedactingWriterReportsFullLength(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactor().Wrap(&buf)

	in := []byte(`secret=hunter2 done`)
	n, err := w.Write(in)
	require.NoError(t, err)
	assert.Equal(t, len(in), n)
	assert.False(t, strings.Contains(buf.String(), "hunter2"))
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "r.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxSizeMB: 1})
	require.NoError(t, err)
	defer rw.Close()
	rw.maxBytes = 16

	_, err = rw.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("abcdefghij\n"))
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "r.log.*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(data))
}

func TestRotatingWriterPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "p.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)
	rw.maxBytes = 8

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	rw.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i := 0; i < 5; i++ {
		_, err := rw.Write([]byte("line-xx\n"))
		require.NoError(t, err)
	}
	require.NoError(t, rw.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "p.log.*"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRotatingWriterCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "c.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxSizeMB: 1, Compress: true})
	require.NoError(t, err)
	rw.maxBytes = 8

	_, err = rw.Write([]byte("first-x\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	gz, err := filepath.Glob(filepath.Join(dir, "c.log.*.gz"))
	require.NoError(t, err)
	assert.Len(t, gz, 1)

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
