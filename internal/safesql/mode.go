package safesql

import "fmt"

// Mode is the process-wide SQL execution policy. It is fixed at startup and
// passed explicitly into every component that needs it.
type Mode string

const (
	// ModeUnrestricted allows any statement to execute.
	ModeUnrestricted Mode = "unrestricted"
	// ModeRestricted allows read-only statements and additionally forces
	// execution onto a read-only transaction.
	ModeRestricted Mode = "restricted"
	// ModeDMLOnly allows reads plus INSERT/UPDATE/DELETE, but blocks DDL.
	ModeDMLOnly Mode = "dml_only"
)

// ParseMode converts a config/flag string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeUnrestricted, ModeRestricted, ModeDMLOnly:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown access mode %q (expected unrestricted, restricted, or dml_only)", s)
	}
}
