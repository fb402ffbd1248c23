package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/x402-arcade/internal/config"
)

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcaded.log")
	log, closer, err := New(config.Log{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("tx", "0xabc").Msg("authorization settled")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &line), "expected exactly one JSON line, got %q", raw)
	assert.Equal(t, "authorization settled", line["message"])
	assert.Equal(t, "arcaded", line["service"])
	assert.Equal(t, "0xabc", line["tx"])
}

func TestNew_BadLevel(t *testing.T) {
	_, _, err := New(config.Log{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
