package runstatus

import "strings"

// Coarse detection-session states surfaced through the status hook.
const (
	Idle       = "Idle"
	Scanning   = "Scanning logs"
	Converging = "Converging"
	Watching   = "Watching"
	Stopping   = "Stopping"
	Stopped    = "Stopped"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
