package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AppDir is the directory name used under the per-OS configuration root.
const AppDir = "mcp-stdio-bridge"

// DefaultConfigPath returns the default path of the named config file.
func DefaultConfigPath(name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, home, os.Getenv("ProgramData"), name)
}

// ResolveConfigPath builds the config path for goos from explicit base
// directories.
func ResolveConfigPath(goos, home, programData, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDir, name)
	case "windows":
		if programData == "" {
			programData = "C:/ProgramData"
		}
		return filepath.Join(strings.TrimRight(programData, "\\/"), AppDir, name)
	default:
		// /etc only when there is no home directory
		if home != "" {
			return filepath.Join(home, ".config", AppDir, name)
		}
		return filepath.Join("/etc", AppDir, name)
	}
}
