package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultRegistrationPath returns the resolved registration file path using a
// fallback chain:
//
//  1. $HEISENBRIDGE_REGISTRATION environment variable (if set and non-empty)
//  2. $XDG_CONFIG_HOME/heisenbridge/registration.yaml (if XDG_CONFIG_HOME is set)
//  3. ~/.config/heisenbridge/registration.yaml
func DefaultRegistrationPath() string {
	if envPath := strings.TrimSpace(os.Getenv("HEISENBRIDGE_REGISTRATION")); envPath != "" {
		return envPath
	}

	return filepath.Join(xdgConfigHome(), "heisenbridge", "registration.yaml")
}

// DefaultDBPath returns the resolved path for the optional local puppet
// cache using a fallback chain:
//
//  1. $XDG_DATA_HOME/heisenbridge/heisenbridge.db (if XDG_DATA_HOME is set)
//  2. ~/.local/share/heisenbridge/heisenbridge.db
func DefaultDBPath() string {
	return filepath.Join(xdgDataHome(), "heisenbridge", "heisenbridge.db")
}

// EnsureDir creates all parent directories for the given file path if they do
// not already exist. This is used to prepare registration and database
// directories at startup.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o700)
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func xdgDataHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "share")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}

	return fmt.Sprintf("/tmp/heisenbridge-%s", strconv.Itoa(os.Getuid()))
}
