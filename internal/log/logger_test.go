package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerBeforeInit(t *testing.T) {
	require.NotNil(t, GetLogger())
	assert.True(t, GetLogger().IsInfoEnabled())
}

func TestInitFormats(t *testing.T) {
	for _, format := range []string{"", "pattern", "json", "console", "JSON"} {
		t.Run(format, func(t *testing.T) {
			err := Init(Config{Level: "debug", Format: format})
			require.NoError(t, err)
			assert.True(t, GetLogger().IsDebugEnabled())
			assert.False(t, GetLogger().IsTraceEnabled())
		})
	}
}

func TestInitInvalidLevel(t *testing.T) {
	err := Init(Config{Level: "loud", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestInitInvalidFormat(t *testing.T) {
	err := Init(Config{Level: "info", Format: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported log format")
}

func TestInitFileAppenderWithoutFilename(t *testing.T) {
	err := Init(Config{Level: "info", File: FileAppenderOpt{Enabled: true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filename")
}

func TestInitKafkaAppenderValidation(t *testing.T) {
	err := Init(Config{Level: "info", Kafka: KafkaAppenderOpt{Enabled: true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers")

	err = Init(Config{Level: "info", Kafka: KafkaAppenderOpt{Enabled: true, Brokers: []string{"localhost:9092"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topic")
}

func TestInitWithFileAppender(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "relay.log")

	err := Init(Config{
		Level:  "info",
		Format: "pattern",
		File: FileAppenderOpt{
			Enabled:    true,
			Filename:   logPath,
			MaxSize:    10,
			MaxBackups: 1,
		},
	})
	require.NoError(t, err)

	GetLogger().WithField("source", "10.0.0.1:9000").Info("source connected")
	Flush()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "source connected")
	assert.Contains(t, string(data), "source=10.0.0.1:9000")
}

func TestPatternFormatter(t *testing.T) {
	f := &formatter{pattern: "%time [%level] %msg %field", time: "15:04:05"}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "frame dropped",
		Data: logrus.Fields{
			"source": "a:1",
			"dlfc":   42,
			"error":  errors.New("late"),
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "12:30:45 [warning] frame dropped dlfc=42,error=late,source=a:1\n", string(out))
}

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer
	w := NewMultiWriter().Add(&a).Add(&b).Add(os.Stdout)

	n, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "line\n", a.String())
	assert.Equal(t, "line\n", b.String())

	require.NoError(t, w.Close())
	_, err = os.Stdout.Stat()
	assert.NoError(t, err, "stdout must stay open")
}
