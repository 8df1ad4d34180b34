// internal/logger/logger_test.go
package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.LogFile = filepath.Join(dir, "test.log")

	log, err := New(cfg)
	require.NoError(t, err)

	log.Info("hello")
	require.NoError(t, log.Sync())

	assert.FileExists(t, cfg.LogFile)
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	log, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "curvestream.log", log.config.LogFile)
}

func TestSolscanURLs(t *testing.T) {
	assert.Equal(t, "https://solscan.io/tx/5sig", SolscanTx("5sig"))
	assert.Equal(t, "https://solscan.io/token/Mint1", SolscanToken("Mint1"))
}
