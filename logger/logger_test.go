package logger

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"btcore"
)

func TestZap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZap(zap.New(core))

	l.Info("opened database", "path", "/tmp/a.db", "pages", 3)
	l.Warn("rollback could not save cursor positions")
	l.Error("commit failed", "error", errors.New("boom"))
	l.Info("odd", "pages", 3, "dangling")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, "btcore", entries[0].LoggerName)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "opened database", entries[0].Message)
	assert.Equal(t, map[string]any{"path": "/tmp/a.db", "pages": int64(3)}, entries[0].ContextMap())
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "boom", entries[2].ContextMap()["error"])
	assert.Equal(t, map[string]any{"pages": int64(3), badKey: "dangling"}, entries[3].ContextMap())
}

func TestLogrus(t *testing.T) {
	t.Parallel()

	base, hook := test.NewNullLogger()
	l := NewLogrus(base)

	l.Info("rolled back", "path", "/tmp/a.db", "tripped", 2)
	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.InfoLevel, e.Level)
	assert.Equal(t, "rolled back", e.Message)
	assert.Equal(t, logrus.Fields{"path": "/tmp/a.db", "tripped": 2}, e.Data)

	l.Error("commit failed", "error", errors.New("boom"), "dangling")
	e = hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, e.Level)
	assert.Equal(t, logrus.Fields{"error": "boom", badKey: "dangling"}, e.Data)

	l.Warn("odd", 42, "x")
	e = hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, logrus.Fields{badKey: "x"}, e.Data)
}

func TestEngineLogsThroughAdapter(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	b, err := btcore.NewRegistry().Open(btcore.MemoryPath, btcore.WithLogger(NewZap(zap.New(core))))
	require.NoError(t, err)

	require.NoError(t, b.BeginTrans(true))
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())

	assert.Equal(t, 1, logs.FilterMessage("opened database").Len())
	assert.Equal(t, 1, logs.FilterMessage("initialized database").Len())
	assert.Equal(t, 1, logs.FilterMessage("committed").Len())
	assert.Equal(t, 1, logs.FilterMessage("closed database").Len())
}
