package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, parseLogLevel("nonsense"))
}

func TestCustomFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"})
	l.WithField("xid", 7).Warn("recovery")

	out := buf.String()
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "recovery xid=7")
}

func TestInitLoggerWithFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitLogger(LogConfig{
		InfoLogPath:  filepath.Join(dir, "logs", "info.log"),
		ErrorLogPath: filepath.Join(dir, "logs", "error.log"),
		LogLevel:     "debug",
	}))
	defer func() { _ = InitLogger(LogConfig{LogLevel: "warn"}) }()

	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	Infof("hello %d", 1)
	assert.FileExists(t, filepath.Join(dir, "logs", "info.log"))
}

func TestPanicf(t *testing.T) {
	assert.Panics(t, func() { Panicf("broken page %d", 3) })
}
