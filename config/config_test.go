package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("max_retries: 8\nmin_rto: 250ms\n"))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.MinRTO)
	assert.Equal(t, 1300, cfg.MaxSegmentSize)
	assert.Equal(t, 200*time.Millisecond, cfg.HandshakeRTO)
	assert.Equal(t, 60*time.Second, cfg.MaxRTO)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{name: "zero segment size", yaml: "max_segment_size: 0"},
		{name: "segment larger than a datagram", yaml: "max_segment_size: 70000"},
		{name: "inverted rto bounds", yaml: "min_rto: 2m\nmax_rto: 1m"},
		{name: "negative retries", yaml: "max_retries: -1"},
		{name: "inverted port range", yaml: "client_port_lower: 5000\nclient_port_upper: 4000"},
		{name: "tos out of range", yaml: "tos: 300"},
		{name: "bad duration", yaml: "min_rto: soon"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigSample(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRdtCoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 32
	cfg.CaptureFile = "trace.pcap"
	cfg.MaxSegmentSize = 512

	core := cfg.RdtCoreConfig()
	assert.Equal(t, 32, core.TTL)
	assert.Equal(t, "trace.pcap", core.CaptureFile)
	assert.Equal(t, 512, core.ConnConfig.MaxSegmentSize)
	assert.Equal(t, cfg.ConnectionConfig(), core.ConnConfig)
}
