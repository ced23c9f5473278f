package recovery

import (
	"fmt"
	"strings"
)

// Flags is the device state bitmask. It only changes under Device.mu.
type Flags uint32

const (
	// FlagInRecovery is set while a reopen sequence is running. At most one
	// runs per device.
	FlagInRecovery Flags = 1 << iota
	// FlagShuttingDown is terminal.
	FlagShuttingDown
	FlagIsOpen
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagInRecovery, "in_recovery"},
	{FlagShuttingDown, "shutting_down"},
	{FlagIsOpen, "open"},
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
			f &^= n.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(f)))
	}
	return strings.Join(names, "|")
}

func (f Flags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// LockState tracks the backend's distributed lock for the device.
type LockState int

const (
	Unlocked LockState = iota
	Locking
	Locked
)

func (s LockState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locking:
		return "locking"
	case Locked:
		return "locked"
	}
	return fmt.Sprintf("LockState(%d)", int(s))
}

func (s LockState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is a point in time snapshot of a Device.
type State struct {
	Flags     Flags     `json:"flags"`
	LockState LockState `json:"lock_state"`
}

func (s State) InRecovery() bool   { return s.Flags&FlagInRecovery != 0 }
func (s State) ShuttingDown() bool { return s.Flags&FlagShuttingDown != 0 }
func (s State) IsOpen() bool       { return s.Flags&FlagIsOpen != 0 }
