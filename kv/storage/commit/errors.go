package commit

import (
	"fmt"
)

// State is a step of the commit state machine.
type State int

const (
	StateIdle State = iota
	StateWALAppend
	StateWALFsync
	StateWriteTemp
	StateFsync
	StateAtomicRename
	StateMarkCommitted
)

// CommitStates lists the states a commit walks through after leaving IDLE, in order.
var CommitStates = []State{
	StateWALAppend,
	StateWALFsync,
	StateWriteTemp,
	StateFsync,
	StateAtomicRename,
	StateMarkCommitted,
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWALAppend:
		return "WAL_APPEND"
	case StateWALFsync:
		return "WAL_FSYNC"
	case StateWriteTemp:
		return "STATE_WRITE_TEMP"
	case StateFsync:
		return "STATE_FSYNC"
	case StateAtomicRename:
		return "ATOMIC_RENAME"
	case StateMarkCommitted:
		return "MARK_COMMITTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IntegrityFault is raised by Open when the persisted state cannot be verified. The store refuses to start.
type IntegrityFault struct {
	Reason   string
	Path     string
	Expected string
	Actual   string
}

func (f *IntegrityFault) Error() string {
	msg := fmt.Sprintf("integrity fault: %s, path: %s", f.Reason, f.Path)
	if f.Expected != "" || f.Actual != "" {
		msg += fmt.Sprintf(", expected: %s, actual: %s", f.Expected, f.Actual)
	}
	return msg
}

// DurabilityFault is returned by Commit when a step of the commit failed. The store is unusable afterwards and
// must be reopened, which runs recovery. Recovery discards the batch unless Indeterminate is set, in which case
// the batch may or may not be applied after the restart.
type DurabilityFault struct {
	State         State
	Cause         error
	Indeterminate bool
}

func (f *DurabilityFault) Error() string {
	if f.Indeterminate {
		return fmt.Sprintf("durability fault in %s, batch outcome indeterminate: %v", f.State, f.Cause)
	}
	return fmt.Sprintf("durability fault in %s: %v", f.State, f.Cause)
}

func (f *DurabilityFault) Unwrap() error {
	return f.Cause
}
