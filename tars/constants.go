// Package tars holds process-wide defaults shared by the tars-case packages.
package tars

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "tars"
	DefaultDatabaseType = "libsql"
	DefaultDatabaseFile = "tars.db"

	// Chat completion defaults.
	DefaultChatModel   = "gpt-4-1106-preview"
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7

	DefaultEmbeddingModel = "text-embedding-ada-002"
	DefaultEmbeddingDims  = 1536

	// Similarity search defaults for every partition query.
	DefaultMatchThreshold = 0.78
	DefaultMatchCount     = 5

	DefaultSeedPrompt = "Hello, TARS. Shall we get started?"
	DefaultListenAddr = ":8080"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir     = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabaseDSN = filepath.Join(DefaultDataDir, DefaultDatabaseFile)
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
