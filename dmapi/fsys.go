package dmapi

import "fmt"

// FsState is the lifecycle state of a DMAPI filesystem.
type FsState uint8

const (
	StateMounted FsState = iota
	StateUnmounting
	StateUnmounted
)

func (s FsState) String() string {
	switch s {
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateUnmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// CanTransition reports whether a filesystem may move from one state to another.
// Unmounted is terminal. An unmount can complete or fail without a preunmount having moved
// the filesystem to unmounting first.
func CanTransition(from, to FsState) bool {
	switch from {
	case StateMounted:
		return to == StateMounted || to == StateUnmounting || to == StateUnmounted
	case StateUnmounting:
		return to == StateUnmounting || to == StateMounted || to == StateUnmounted
	default:
		return false
	}
}

func (s *Sender) changeState(sb Superblock, state FsState) {
	if err := s.table.ChangeState(sb, state); err != nil {
		s.log.Sugar().Warnw("filesystem state change failed", "state", state, "error", err)
	}
}

func (s *Sender) removeEntry(sb Superblock) {
	if err := s.table.Remove(sb); err != nil {
		s.log.Sugar().Warnw("filesystem entry removal failed", "error", err)
	}
}
