package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"console", "json", ""} {
		log, err := New("debug", format)
		require.NoError(t, err, format)
		assert.True(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
	}

	log, err := New("WARN", "json")
	require.NoError(t, err)
	assert.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Desugar().Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "console")
	assert.Error(t, err)
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	assert.False(t, log.Desugar().Core().Enabled(zapcore.ErrorLevel))
	log.Errorw("dropped", "key", "value")
}
