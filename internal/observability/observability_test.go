package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func resetLoggers(t *testing.T) {
	t.Helper()
	cli, server := CLILogger, ServerLogger
	t.Cleanup(func() {
		CLILogger, ServerLogger = cli, server
	})
	CLILogger, ServerLogger = nil, nil
}

func TestSyncLoggerFallsBack(t *testing.T) {
	resetLoggers(t)

	// no logger initialized: a no-op is returned, never nil
	logger := SyncLogger()
	require.NotNil(t, logger)
	logger.Info("discarded", zap.String("component", "coalescer"))

	InitCLILogger("flagwire-test", false)
	require.NotNil(t, CLILogger)
	assert.Same(t, CLILogger, SyncLogger())

	InitServerLogger("flagwire-test", "debug", "flagwire")
	require.NotNil(t, ServerLogger)
	assert.Same(t, ServerLogger, SyncLogger())

	SyncLogger().Debug("Flag sync completed",
		zap.String("distinct_id", "user-b"),
		zap.Int("status_code", 200))
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"trace":   "TRACE",
		"debug":   "DEBUG",
		"INFO":    "INFO",
		" warn ":  "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), "level %q", in)
	}
}

func TestVerboseCLILogger(t *testing.T) {
	logger, err := logging.NewCLI("flagwire-verbose")
	require.NoError(t, err)
	logger.SetLevel(logging.DEBUG)
	logger.Debug("Bucket exhausted", zap.String("key", "user-b"))
}

func TestCrucibleVersionAvailable(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
}

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("[::]:9091")
	require.NoError(t, err)
	assert.Equal(t, 9091, port)

	_, err = resolvePort("no-port")
	require.Error(t, err)

	_, err = resolvePort("host:http")
	require.Error(t, err)
}
