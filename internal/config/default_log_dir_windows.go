//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func DefaultLogDir() string {
	root := os.Getenv("LOCALAPPDATA")
	if root == "" {
		return ""
	}
	return filepath.Join(root, "Roblox", "logs")
}
