package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/proctord/
//   - Linux:   $XDG_DATA_HOME/proctord/ or ~/.local/share/proctord/
//   - Windows: %APPDATA%\proctord\
//
// Falls back to ~/.proctord if platform detection fails.
func PlatformDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "proctord")
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "proctord")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "proctord")
		}
		return filepath.Join(home, ".local", "share", "proctord")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "proctord")
		}
	}
	return filepath.Join(home, ".proctord")
}

// DataDir returns the proctord base directory, honoring PROCTORD_DATA_DIR.
func DataDir() string {
	if dir := os.Getenv("PROCTORD_DATA_DIR"); dir != "" {
		return dir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// JournalPath returns the default journal database path.
func JournalPath() string {
	return filepath.Join(DataDir(), "journal.db")
}
