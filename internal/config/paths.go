package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Paths contains the filesystem layout for a BasePlate instance.
type Paths struct {
	Home string // Instance home directory (~/.baseplate)
	Logs string // Logs directory
	Data string // Module data directory (sqlite files and friends)
}

// GetBasePlateHome returns the BasePlate home directory (~/.baseplate).
func GetBasePlateHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".baseplate")
}

// GetPaths returns the instance filesystem layout.
func GetPaths() Paths {
	home := GetBasePlateHome()
	return Paths{
		Home: home,
		Logs: filepath.Join(home, "logs"),
		Data: filepath.Join(home, "data"),
	}
}

// EnsureDirs creates the instance directories if needed.
func EnsureDirs() (Paths, error) {
	paths := GetPaths()
	for _, dir := range []string{paths.Home, paths.Logs, paths.Data} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		userHome, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(userHome, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
