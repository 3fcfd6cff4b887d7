package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/variablefate/ridestr-sub008/config"
)

func TestInitWritesLoadableConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, initConfig(dir, []string{"-mint", "http://localhost:3338", "-relays", "ws://localhost:7000"}))

	cfg, err := config.LoadAppConfig(dir, config.ConfigOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3338", cfg.MintURL)
	assert.Len(t, cfg.Seed, 64)
	assert.Len(t, cfg.LedgerKey, 32)

	// A second init must not clobber the keys.
	assert.Error(t, initConfig(dir, []string{"-mint", "http://other", "-relays", "ws://other"}))
}

func TestInitRejectsBadMnemonic(t *testing.T) {
	err := initConfig(t.TempDir(), []string{"-mint", "http://m", "-relays", "ws://r", "-mnemonic", "not a phrase"})
	assert.EqualError(t, err, "invalid mnemonic")
	assert.Error(t, initConfig(t.TempDir(), nil))
}

func TestParseSats(t *testing.T) {
	v, err := parseSats("2100")
	require.NoError(t, err)
	assert.Equal(t, uint64(2100), v)
	for _, bad := range []string{"0", "-5", "1.5", ""} {
		_, err := parseSats(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandsDeclareArgs(t *testing.T) {
	for name, c := range commands {
		assert.NotNil(t, c.run, name)
		assert.NotEmpty(t, c.help, name)
		if c.minArgs > 0 {
			assert.NotEmpty(t, c.args, name)
		}
	}
}
