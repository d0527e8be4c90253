// Package config provides configuration helpers for go-gazecal commands.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults for the harness service.
const (
	DefaultPort       = "8090"
	DefaultDebugLevel = 1
)

// LicenseKey returns the vendor SDK license key from GAZECAL_LICENSE_KEY.
// The key must never be shown in the UI or written to the log.
func LicenseKey(defaultKey string) string {
	if key := os.Getenv("GAZECAL_LICENSE_KEY"); key != "" {
		return key
	}
	return defaultKey
}

// LicenseKeyRequired returns the license key from GAZECAL_LICENSE_KEY.
// Exits if not set.
func LicenseKeyRequired() string {
	key := os.Getenv("GAZECAL_LICENSE_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "Error: GAZECAL_LICENSE_KEY environment variable is required")
		fmt.Fprintln(os.Stderr, "Usage: GAZECAL_LICENSE_KEY=dev_xxx go run ./cmd/gazecal -sdk browser")
		os.Exit(1)
	}
	return key
}

// Port returns the dashboard port from GAZECAL_PORT or the default.
func Port() string {
	if port := os.Getenv("GAZECAL_PORT"); port != "" {
		return port
	}
	return DefaultPort
}

// DebugLevelFromEnv returns GAZECAL_DEBUG as a debug level (0, 1, 2).
// Unparseable values fall back to DefaultDebugLevel.
func DebugLevelFromEnv() int {
	v := os.Getenv("GAZECAL_DEBUG")
	if v == "" {
		return DefaultDebugLevel
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return DefaultDebugLevel
	}
	return n
}

// DashboardURL returns the local dashboard URL for a port.
func DashboardURL(port string) string {
	return fmt.Sprintf("http://localhost:%s", port)
}
