package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	storeLogger := WithComponent("store")
	storeLogger.Info().Str("backend", "bolt").Msg("opened")

	require.Greater(t, buf.Len(), 0)
	assert.Contains(t, buf.String(), `"component":"store"`)
	assert.Contains(t, buf.String(), `"backend":"bolt"`)
}

func TestInitDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{JSONOutput: true, Output: &buf})

	indexLogger := WithComponent("index")
	indexLogger.Debug().Msg("should be suppressed")
	assert.Equal(t, 0, buf.Len())

	indexLogger.Info().Msg("should appear")
	assert.Greater(t, buf.Len(), 0)
}
