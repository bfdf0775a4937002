//go:build !windows && !darwin

package config

// No conventional Roblox log location exists on other platforms (Wine and
// similar setups vary); the operator supplies --log-dir.
func DefaultLogDir() string {
	return ""
}
