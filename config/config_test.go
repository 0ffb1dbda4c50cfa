package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ListenAddress)
	assert.True(t, cfg.TraverseNAT)
	assert.True(t, cfg.UseDefaultBootNodes)
	assert.False(t, cfg.FullNetDiscovery)
	assert.Equal(t, "banlist.txt", cfg.BanListPath)
	assert.Equal(t, "fragments", cfg.FragmentsDir)
	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.False(t, cfg.ID.IsZero())
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{
		"-listen-address", "10.0.0.1",
		"-listen-port", "9001",
		"-http", "8123",
		"-ban-list", "custom-bans.txt",
		"-fragments-dir", "custom-fragments",
	})
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.ListenAddress)
	assert.Equal(t, uint16(9001), cfg.ListenPort)
	assert.Equal(t, 8123, cfg.HTTPPort)
	assert.Equal(t, "custom-bans.txt", cfg.BanListPath)
	assert.Equal(t, "custom-fragments", cfg.FragmentsDir)
}

func TestLoadParsesBootstrapList(t *testing.T) {
	cfg, err := Load([]string{"-bootstrap", "127.0.0.1:9000:9000,127.0.0.1:9001:9001"})
	require.NoError(t, err)

	require.Len(t, cfg.CustomBootNodes, 2)
	assert.Equal(t, "127.0.0.1", cfg.CustomBootNodes[0].Address)
	assert.Equal(t, uint16(9000), cfg.CustomBootNodes[0].UDPPort)
	assert.Equal(t, uint16(9000), cfg.CustomBootNodes[0].TCPPort)
	assert.Equal(t, uint16(9001), cfg.CustomBootNodes[1].UDPPort)
}

func TestLoadRejectsMalformedBootstrapEntry(t *testing.T) {
	_, err := Load([]string{"-bootstrap", "127.0.0.1:not-a-port:9000"})
	assert.Error(t, err)
}
