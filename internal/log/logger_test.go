package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggerConfig
		wantErr string
	}{
		{"text", LoggerConfig{Level: "info", Format: "text"}, ""},
		{"json", LoggerConfig{Level: "debug", Format: "json"}, ""},
		{"default format", LoggerConfig{Level: "warn"}, ""},
		{"pattern", LoggerConfig{Level: "info", Format: "pattern", Pattern: "%level %msg"}, ""},
		{"invalid level", LoggerConfig{Level: "loud"}, "invalid log level"},
		{"invalid format", LoggerConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"pattern missing", LoggerConfig{Level: "info", Format: "pattern"}, "pattern"},
		{"file missing name", LoggerConfig{Level: "info", File: FileAppenderOpt{Enabled: true}}, "filename"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotNil(t, l)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitWithFileAppender(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	path := filepath.Join(t.TempDir(), "vswitch.log")
	err := Init(LoggerConfig{
		Level:  "info",
		Format: "json",
		File:   FileAppenderOpt{Enabled: true, Filename: path, MaxSize: 10, MaxBackups: 3, MaxAge: 7},
	})
	require.NoError(t, err)

	GetLogger().WithField("vni", 1314).Info("network added")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"vni":1314`)
	assert.Contains(t, string(data), "network added")
}

func TestAdapterFieldsAndLevels(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	logger := NewLogrus(l)

	assert.True(t, logger.IsDebugEnabled())
	assert.False(t, logger.IsTraceEnabled())

	logger.WithFields(map[string]interface{}{"iface": "xdp:eth0", "node": "tcp-stack"}).Warn("dropped")
	require.Len(t, hook.Entries, 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, "xdp:eth0", e.Data["iface"])
	assert.Equal(t, "tcp-stack", e.Data["node"])

	logger.Trace("not emitted")
	assert.Len(t, hook.Entries, 1)
}

func TestPatternFormatter(t *testing.T) {
	f := &formatter{pattern: "%time [%level] %field %msg", time: "15:04:05"}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 1, 10, 20, 30, 0, time.UTC),
		Level:   logrus.ErrorLevel,
		Message: "should not happen",
		Data:    logrus.Fields{"state": "LAST_ACK", "flow": "a->b"},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "10:20:30 [error] flow=a->b,state=LAST_ACK should not happen\n", string(out))
}

func TestMultiWriter(t *testing.T) {
	var a, b bytes.Buffer
	w := NewMultiWriter().Add(&a).Add(&b)

	n, err := w.Write([]byte("line"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "line", a.String())
	assert.True(t, strings.EqualFold(a.String(), b.String()))
}

func TestSetLevelReachesDerivedLoggers(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.InfoLevel)
	SetLogger(NewLogrus(l))
	derived := GetLogger().WithField("component", "vswitch")

	derived.Debug("hidden")
	assert.Empty(t, hook.AllEntries())

	require.NoError(t, SetLevel("debug"))
	assert.True(t, derived.IsDebugEnabled())
	derived.Debug("shown")
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "shown", hook.LastEntry().Message)

	assert.Error(t, SetLevel("loud"))
}
