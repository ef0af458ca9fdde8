package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/config"
)

func TestFlagsOverrideConfig(t *testing.T) {
	f, err := parseFlags([]string{"--port", "9090", "--dispatch-mode", "proposal", "--migrate-only"})
	require.NoError(t, err)
	assert.True(t, f.migrateOnly)

	cfg := &config.Config{Server: config.ServerConfig{Port: 8080}, Dispatch: config.DispatchConfig{Mode: config.DispatchModeDirect}}
	f.apply(cfg)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, config.DispatchModeProposal, cfg.Dispatch.Mode)
}

func TestFlagsLeaveConfigAlone(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)

	cfg := &config.Config{Server: config.ServerConfig{Port: 8080}, Dispatch: config.DispatchConfig{Mode: config.DispatchModeDirect}}
	f.apply(cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, config.DispatchModeDirect, cfg.Dispatch.Mode)
}

func TestUnknownFlag(t *testing.T) {
	_, err := parseFlags([]string{"--nope"})
	assert.Error(t, err)
}
