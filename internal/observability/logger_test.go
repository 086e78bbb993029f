package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("test", Options{Level: "debug", Profile: ProfileStructured})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = NewLogger("test", Options{Level: "WARN", Profile: ProfileConsole})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	_, err = NewLogger("test", Options{Level: "loud"})
	assert.Error(t, err)
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	InitCLILogger("test", false)
	assert.False(t, CLILogger.Core().Enabled(zap.DebugLevel))

	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zap.DebugLevel))
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.Error(t, InitLogger("test", Options{Level: "nope"}))
	assert.Equal(t, orig, CLILogger)
}
