package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		require.NoError(t, err, "level %q", input)
		assert.Equal(t, want, got, "level %q", input)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewBuildsBothFormats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{FormatJSON, FormatConsole} {
		logger, err := New("debug", format)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}

	_, err := New("loud", FormatJSON)
	require.Error(t, err)
}
