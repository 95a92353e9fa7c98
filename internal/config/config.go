// Package config loads badge driver configuration from a .env file at
// the project root, overridable by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BadgeConfig holds the USB identity and logging verbosity the driver
// uses to find and talk to the badge.
type BadgeConfig struct {
	VendorID  uint16
	ProductID uint16
	LogLevel  string
}

const (
	defaultVendorID  uint16 = 0xCAFE
	defaultProductID uint16 = 0x4011
	defaultLogLevel         = "info"
)

var (
	badgeConfig  *BadgeConfig
	configLoaded bool
)

// LoadBadgeConfig loads and caches the badge configuration. Later calls
// return the cached value.
func LoadBadgeConfig() (*BadgeConfig, error) {
	if badgeConfig != nil && configLoaded {
		return badgeConfig, nil
	}

	cfg := &BadgeConfig{VendorID: defaultVendorID, ProductID: defaultProductID, LogLevel: defaultLogLevel}

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		if err := parseEnvFile(string(data), cfg); err != nil {
			return nil, err
		}
	}

	if vid := os.Getenv("BADGE_VID"); vid != "" {
		v, err := parseHexU16(vid)
		if err != nil {
			return nil, fmt.Errorf("config: BADGE_VID: %w", err)
		}
		cfg.VendorID = v
	}
	if pid := os.Getenv("BADGE_PID"); pid != "" {
		p, err := parseHexU16(pid)
		if err != nil {
			return nil, fmt.Errorf("config: BADGE_PID: %w", err)
		}
		cfg.ProductID = p
	}
	if level := os.Getenv("BADGE_LOG"); level != "" {
		cfg.LogLevel = level
	}

	badgeConfig = cfg
	configLoaded = true
	return cfg, nil
}

func parseHexU16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func parseEnvFile(content string, cfg *BadgeConfig) error {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "BADGE_VID":
			v, err := parseHexU16(value)
			if err != nil {
				return fmt.Errorf("BADGE_VID: %w", err)
			}
			cfg.VendorID = v
		case "BADGE_PID":
			p, err := parseHexU16(value)
			if err != nil {
				return fmt.Errorf("BADGE_PID: %w", err)
			}
			cfg.ProductID = p
		case "BADGE_LOG":
			cfg.LogLevel = value
		}
	}
	return nil
}

// findProjectRoot locates the directory holding the driver's .env file:
// BADGE_PROJECT_ROOT if set, else CWD if it already has a .env, else the
// nearest ancestor holding go.mod.
func findProjectRoot() string {
	if root := os.Getenv("BADGE_PROJECT_ROOT"); root != "" {
		return root
	}

	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
