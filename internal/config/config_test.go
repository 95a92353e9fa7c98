package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexU16(t *testing.T) {
	v, err := parseHexU16("0xCAFE")
	require.NoError(t, err)
	assert.Equal(t, uint16(0xCAFE), v)

	v, err = parseHexU16("4011")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4011), v)

	_, err = parseHexU16("not-hex")
	assert.Error(t, err)
}

func TestParseEnvFileOverridesDefaults(t *testing.T) {
	cfg := &BadgeConfig{VendorID: defaultVendorID, ProductID: defaultProductID, LogLevel: defaultLogLevel}

	content := "BADGE_VID=0x1234\n# a comment\nBADGE_LOG=debug\n\nBADGE_PID=5678\n"
	require.NoError(t, parseEnvFile(content, cfg))

	assert.Equal(t, uint16(0x1234), cfg.VendorID)
	assert.Equal(t, uint16(0x5678), cfg.ProductID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParseEnvFileIgnoresMalformedLines(t *testing.T) {
	cfg := &BadgeConfig{VendorID: defaultVendorID, ProductID: defaultProductID, LogLevel: defaultLogLevel}
	require.NoError(t, parseEnvFile("not a valid line\nBADGE_LOG=info\n", cfg))
	assert.Equal(t, "info", cfg.LogLevel)
}
