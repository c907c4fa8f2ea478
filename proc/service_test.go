package proc

import (
	"testing"

	"github.com/AarC10/ipcbench/lib/logger"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// syncCountingCore records how often the logger is flushed.
type syncCountingCore struct {
	zapcore.Core
	syncs int
}

func (c *syncCountingCore) Sync() error {
	c.syncs++
	return c.Core.Sync()
}

func (c *syncCountingCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func TestRunFlushesLoggerBeforeExit(t *testing.T) {
	obs, logs := observer.New(zapcore.InfoLevel)
	core := &syncCountingCore{Core: obs}
	restore := logger.SetLogger(zap.New(core))
	defer restore()

	code := Run(func() int {
		logger.Error("session failed")
		return 1
	})

	assert.Equal(t, 1, code)
	assert.Equal(t, 1, core.syncs)
	assert.Equal(t, 1, logs.Len())
}
