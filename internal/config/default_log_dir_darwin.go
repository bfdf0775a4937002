//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Logs", "Roblox")
}
