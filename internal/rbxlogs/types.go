package rbxlogs

import "time"

// FileHandle describes a physical log file discovered in the watch
// directory. Roblox launches one log per client instance with an opaque
// name, so nothing in the handle itself says which account it belongs to.
type FileHandle struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Confidence ranks how an account→file binding was established.
type Confidence int

const (
	// Unassigned means no file is linked yet.
	Unassigned Confidence = iota
	// Heuristic bindings come from substring evidence or the
	// least-recently-assigned fallback and may be silently replaced.
	Heuristic
	// Verified bindings come from an explicit join marker and are locked:
	// only a newer verified marker naming a different account for the same
	// file, or the file disappearing, releases them.
	Verified
)

func (c Confidence) String() string {
	switch c {
	case Heuristic:
		return "heuristic"
	case Verified:
		return "verified"
	default:
		return "unassigned"
	}
}

// Binding is the account→file relation plus the tail cursor. Cursor
// mutation goes through Assigner.CommitCursor so a concurrent reassignment
// can never leak one account's read position to another.
type Binding struct {
	Account    string
	Display    string
	Path       string
	Confidence Confidence
	Cursor     int64
	AssignedAt time.Time
}
