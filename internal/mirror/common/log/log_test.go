package log

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type recordingLogger struct {
	entries []string
	fields  map[string]any
}

func (l *recordingLogger) Info(_ map[string]any, msg string)  { l.entries = append(l.entries, "INFO:"+msg) }
func (l *recordingLogger) Error(_ map[string]any, msg string) { l.entries = append(l.entries, "ERROR:"+msg) }
func (l *recordingLogger) Debug(_ map[string]any, msg string) { l.entries = append(l.entries, "DEBUG:"+msg) }
func (l *recordingLogger) Warn(_ map[string]any, msg string)  { l.entries = append(l.entries, "WARN:"+msg) }
func (l *recordingLogger) Panic(_ map[string]any, msg string) {}
func (l *recordingLogger) Fatal(_ map[string]any, msg string) {}
func (l *recordingLogger) With(fields map[string]any) Logger {
	l.fields = fields
	return l
}

func TestZapLogger_AllLevels(t *testing.T) {
	l := newZapLogger(true, zapcore.DebugLevel)
	l.Debug(map[string]any{"list": "at://x", "count": 3, "error": errors.New("boom")}, "debug_entry")
	l.Info(nil, "info_entry")
	l.Warn(nil, "warn_entry")
	l.Error(nil, "error_entry")
	scoped := l.With(map[string]any{"list": "at://x"})
	scoped.Info(nil, "scoped_entry")

	assert.Panics(t, func() { l.Panic(nil, "panic_entry") })
}

func TestSetLoggerAndGlobalLogging(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	rec := &recordingLogger{}
	SetLogger(rec)

	Info(nil, "info msg")
	Error(nil, "error msg")
	Debug(nil, "debug msg")
	Warn(nil, "warn msg")

	assert.Equal(t, []string{
		"INFO:info msg",
		"ERROR:error msg",
		"DEBUG:debug msg",
		"WARN:warn msg",
	}, rec.entries)
}

func TestConfigure(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	tests := []struct {
		name    string
		env     string
		level   string
		wantErr bool
	}{
		{name: "dev debug", env: "dev", level: "debug"},
		{name: "prod info", env: "prod", level: "info"},
		{name: "upper case level", env: "prod", level: "WARN"},
		{name: "invalid level", env: "dev", level: "notalevel", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Configure(tc.env, tc.level)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestOrNoop(t *testing.T) {
	assert.NotNil(t, OrNoop(nil))
	rec := &recordingLogger{}
	assert.Same(t, rec, OrNoop(rec))
}

func TestNoopLogger_AllLevels(t *testing.T) {
	l := NewNoopLogger()
	l.Debug(nil, "debug message")
	l.Info(nil, "info message")
	l.Warn(nil, "warn message")
	l.Error(nil, "error message")
	l.Panic(nil, "panic message")
	l.Fatal(nil, "fatal message")
	assert.Equal(t, l, l.With(map[string]any{"k": "v"}))
}
