package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsoleLoggerSink(t *testing.T) {
	sink := &testSink{}
	log := NewConsoleLogger(LevelNone)
	log.SetSink(sink, LevelInfo)

	log.Debug("hidden")
	log.Info("hello %s", "world")
	out := sink.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO]  hello world")
	assert.NotContains(t, out, "\x1b[")
}

func TestConsoleLoggerPrefixAndMetadata(t *testing.T) {
	sink := &testSink{}
	base := NewConsoleLogger(LevelNone)
	base.SetSink(sink, LevelTrace)

	log := base.WithPrefix("[cache]").WithPrefix("[cache]").With(map[string]interface{}{"backend": "memory"})
	log.Warn("slow")
	out := sink.String()
	assert.Contains(t, out, "[WARN]  [cache] slow")
	assert.Contains(t, out, `{"backend":"memory"}`)

	// derived loggers do not mutate the parent
	sink.Reset()
	base.Info("plain")
	assert.NotContains(t, sink.String(), "backend")
}

func TestConsoleLoggerIsLevelEnabled(t *testing.T) {
	log := NewConsoleLogger(LevelWarn)
	assert.False(t, log.IsLevelEnabled(LevelInfo))
	assert.True(t, log.IsLevelEnabled(LevelError))

	log.SetSink(&testSink{}, LevelDebug)
	assert.True(t, log.IsLevelEnabled(LevelDebug))
	assert.False(t, log.IsLevelEnabled(LevelTrace))
}

func TestConsoleLoggerWithContext(t *testing.T) {
	sink := &testSink{}
	log := NewConsoleLogger(LevelNone)
	log.SetSink(sink, LevelTrace)

	log.WithContext(spanContext(t)).Info("traced")
	assert.Contains(t, sink.String(), `"trace":"4bf92f3577b34da6a3ce929d0e0e4736"`)
}

func TestConsoleLoggerStackAndFatal(t *testing.T) {
	var code int
	orig := exit
	exit = func(c int) { code = c }
	defer func() { exit = orig }()

	test := NewTestLogger()
	log := NewConsoleLogger(LevelNone).Stack(test)
	log.Info("both")
	log.Fatal("boom")

	assert.Equal(t, 1, code)
	logs := test.Logs()
	assert.Len(t, logs, 2)
	assert.Equal(t, "INFO", logs[0].Severity)
	// the child is told about the error without exiting itself
	assert.Equal(t, "ERROR", logs[1].Severity)
	assert.False(t, test.Exited)
}
