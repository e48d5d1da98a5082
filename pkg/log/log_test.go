package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunIDIsAttached(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := FromZap(zap.New(core))

	ctx := WithRunID(context.Background(), "run-123")
	l.Infof(ctx, "loaded %d examples", 4)
	l.Debug(ctx, "dropped")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "loaded 4 examples", entries[0].Message)
	assert.Equal(t, "run-123", entries[0].ContextMap()["run_id"])
}

func TestRunIDEmpty(t *testing.T) {
	assert.Equal(t, "", RunID(context.Background()))
}

func TestInitHonorsLevel(t *testing.T) {
	l := Init(ZapConfig{Level: "warn", Mode: ModeDevelopment, Encoding: "console"})
	require.NotNil(t, l)
	l.Info(context.Background(), "not shown")
	_ = l.Sync()
}
