package dmapi

import (
	"fmt"
	"strings"
)

type (
	EventType uint32
	EventSet  uint32

	Right      uint8
	ObjectType uint8
	DescFlags  uint16

	// Flags passed by the filesystem when raising an event.
	Flags uint32

	// Token identifies one outstanding event within a session.
	Token     uint64
	SessionID uint64

	MsgType uint8

	// RespType is the application's answer to a synchronous event.
	RespType uint8
)

const (
	EventCancel EventType = iota
	EventMount
	EventPreunmount
	EventUnmount
	EventDebut
	EventCreate
	EventClose
	EventPostcreate
	EventRemove
	EventPostremove
	EventRename
	EventPostrename
	EventLink
	EventPostlink
	EventSymlink
	EventPostsymlink
	EventRead
	EventWrite
	EventTruncate
	EventAttribute
	EventDestroy
	EventNospace
	EventUser

	EventMax
)

var eventNames = [...]string{
	"cancel", "mount", "preunmount", "unmount", "debut", "create", "close", "postcreate",
	"remove", "postremove", "rename", "postrename", "link", "postlink", "symlink",
	"postsymlink", "read", "write", "truncate", "attribute", "destroy", "nospace", "user",
}

func (e EventType) String() string {
	if e < EventMax {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint32(e))
}

func (e EventType) Valid() bool { return e < EventMax }

// ParseEventType accepts the names returned by String.
func ParseEventType(s string) (EventType, error) {
	for i, n := range eventNames {
		if strings.EqualFold(n, s) {
			return EventType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func NewEventSet(evs ...EventType) EventSet {
	var s EventSet
	for _, e := range evs {
		s = s.Add(e)
	}
	return s
}

func (s EventSet) Add(e EventType) EventSet { return s | 1<<e }
func (s EventSet) Remove(e EventType) EventSet { return s &^ (1 << e) }
func (s EventSet) Contains(e EventType) bool { return e < EventMax && s&(1<<e) != 0 }
func (s EventSet) Events() (out []EventType) {
	for e := EventType(0); e < EventMax; e++ {
		if s.Contains(e) {
			out = append(out, e)
		}
	}
	return
}

func (s EventSet) String() string {
	evs := s.Events()
	names := make([]string, len(evs))
	for i, e := range evs {
		names[i] = e.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

const (
	RightNull Right = iota
	RightShared
	RightExcl
)

func (r Right) String() string {
	switch r {
	case RightNull:
		return "null"
	case RightShared:
		return "shared"
	case RightExcl:
		return "excl"
	default:
		return fmt.Sprintf("right(%d)", uint8(r))
	}
}

const (
	ObjNone ObjectType = 0
	ObjVFS  ObjectType = 0x01
	ObjReg  ObjectType = 0x02
	ObjDir  ObjectType = 0x04
	ObjLnk  ObjectType = 0x08
	ObjOth  ObjectType = 0x10
)

func (t ObjectType) String() string {
	switch t {
	case ObjVFS:
		return "vfs"
	case ObjReg:
		return "reg"
	case ObjDir:
		return "dir"
	case ObjLnk:
		return "lnk"
	case ObjOth:
		return "oth"
	default:
		return "none"
	}
}

const (
	// DescOrig marks the right acquired on entry to the event.
	DescOrig DescFlags = 0x0001
	// DescEvtRef means the event holds a live reference to the object.
	DescEvtRef DescFlags = 0x0080
)

const (
	// FlagNoDelay: the filesystem can't block (e.g. non-blocking I/O); return EAGAIN instead.
	FlagNoDelay Flags = 0x1
	// FlagUnwanted: the event is not in the filesystem's event set.
	FlagUnwanted Flags = 0x2
)

const (
	MsgSync MsgType = iota
	MsgAsync
)

const (
	RespInvalid RespType = iota
	RespContinue
	RespAbort
	RespDontCare
)

func (r RespType) String() string {
	switch r {
	case RespContinue:
		return "continue"
	case RespAbort:
		return "abort"
	case RespDontCare:
		return "dontcare"
	default:
		return "invalid"
	}
}

const (
	// MountRdonly is set in the mount event mode for read-only filesystems.
	MountRdonly uint32 = 0x1

	// MaxMsgData bounds the payload of user events.
	MaxMsgData = 2048

	// AttrNameSize is the fixed size of a DMAPI attribute name.
	AttrNameSize = 8
)

// AttrName is a NUL-padded DMAPI attribute name. The zero value means "none".
type AttrName [AttrNameSize]byte

func MakeAttrName(s string) (AttrName, error) {
	var a AttrName
	if len(s) > AttrNameSize {
		return a, fmt.Errorf("attribute name %q longer than %d", s, AttrNameSize)
	}
	copy(a[:], s)
	return a, nil
}

func (a AttrName) IsZero() bool { return a[0] == 0 }

func (a AttrName) String() string {
	n := 0
	for n < len(a) && a[n] != 0 {
		n++
	}
	return string(a[:n])
}
