package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--config", "lookout.yaml", "--addr=:9000", "--log-level", "debug", "--watch=false"})
	require.NoError(t, err)
	assert.Equal(t, "lookout.yaml", opts.configPath)
	assert.Equal(t, ":9000", opts.addr)
	assert.Equal(t, "debug", opts.logLevel)
	assert.False(t, opts.watch)
	assert.Empty(t, opts.dataDir)
}

func TestParseFlagsRejectsExtraArguments(t *testing.T) {
	_, err := parseFlags([]string{"serve"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--unknown"})
	assert.Error(t, err)
}
