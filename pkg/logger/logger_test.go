package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithoutContext(t *testing.T) {
	for _, tc := range []struct {
		name          string
		expectedLevel zapcore.Level
	}{
		{name: "Info", expectedLevel: zapcore.InfoLevel},
		{name: "Debug", expectedLevel: zapcore.DebugLevel},
		{name: "Warn", expectedLevel: zapcore.WarnLevel},
		{name: "Error", expectedLevel: zapcore.ErrorLevel},
	} {
		observerLogger, logs := observer.New(zap.DebugLevel)
		dut := ZapLogger{zap.New(observerLogger)}
		const testMessage = "share accepted"
		switch tc.name {
		case "Info":
			dut.Info(testMessage)
		case "Debug":
			dut.Debug(testMessage)
		case "Warn":
			dut.Warn(testMessage)
		case "Error":
			dut.Error(testMessage)
		default:
			t.Errorf("%s: Unknown name", tc.name)
		}
		require.Equal(t, 1, logs.Len())

		actualMessage := logs.All()[0]
		require.Equal(t, testMessage, actualMessage.Message)
		require.Equal(t, map[string]interface{}{}, actualMessage.ContextMap())
		require.Equal(t, tc.expectedLevel, actualMessage.Level)
	}
}

func TestWithContext(t *testing.T) {
	observerLogger, logs := observer.New(zap.DebugLevel)
	dut := ZapLogger{zap.New(observerLogger)}

	dut.InfoWithContext(context.Background(), "dispatched", zap.String("share_id", "01ARZ"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "dispatched", entry.Message)
	require.Equal(t, "01ARZ", entry.ContextMap()["share_id"])
}

func TestNewLoggerUnknownLevel(t *testing.T) {
	_, err := NewLogger("json", "verbose")
	require.Error(t, err)
}

func TestNewLoggerNone(t *testing.T) {
	l, err := NewLogger("json", "none")
	require.NoError(t, err)
	require.NotNil(t, l)
}
