package dmapi

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
)

// Event payload headers. Every variable-length field is described by a VarData giving
// its offset from the start of the payload and its length, so a receiver can parse the
// payload knowing only the event type.

type (
	VarData struct {
		Offset uint32 `struc:"uint32,little"`
		Length uint32 `struc:"uint32,little"`
	}

	// READ, WRITE, TRUNCATE
	DataEventHdr struct {
		Handle VarData
		Offset int64  `struc:"int64,little"`
		Length uint64 `struc:"uint64,little"`
	}

	// DESTROY
	DestroyEventHdr struct {
		Handle   VarData
		AttrName [AttrNameSize]byte
		AttrCopy VarData
	}

	// MOUNT
	MountEventHdr struct {
		Mode       uint32 `struc:"uint32,little"`
		Handle1    VarData
		Handle2    VarData
		Name1      VarData
		Name2      VarData
		RootHandle VarData
	}

	// PREUNMOUNT, UNMOUNT, NOSPACE and the namespace events
	NamespEventHdr struct {
		Mode    uint32 `struc:"uint32,little"`
		Handle1 VarData
		Handle2 VarData
		Name1   VarData
		Name2   VarData
		Retcode int32 `struc:"int32,little"`
	}

	// EventMsg is the envelope an application receives for each event.
	EventMsg struct {
		Type     EventType
		Token    Token
		Sequence uint32
		Payload  []byte
	}

	payloadKind int
)

const (
	DataHdrSize    = 24
	DestroyHdrSize = 24
	MountHdrSize   = 44
	NamespHdrSize  = 40
)

const (
	kindNone payloadKind = iota
	kindData
	kindDestroy
	kindMount
	kindNamesp
	kindUser
)

func (e EventType) kind() payloadKind {
	switch e {
	case EventRead, EventWrite, EventTruncate:
		return kindData
	case EventDestroy:
		return kindDestroy
	case EventMount:
		return kindMount
	case EventPreunmount, EventUnmount, EventNospace, EventDebut, EventClose, EventAttribute,
		EventCreate, EventPostcreate, EventRemove, EventPostremove,
		EventRename, EventPostrename, EventLink, EventPostlink,
		EventSymlink, EventPostsymlink:
		return kindNamesp
	case EventUser:
		return kindUser
	default:
		return kindNone
	}
}

// HeaderSize is the size of the fixed header for events of type e.
func (e EventType) HeaderSize() int {
	switch e.kind() {
	case kindData:
		return DataHdrSize
	case kindDestroy:
		return DestroyHdrSize
	case kindMount:
		return MountHdrSize
	case kindNamesp:
		return NamespHdrSize
	default:
		return 0
	}
}

// Sync reports whether the filesystem waits for a reply to events of this type.
// UNMOUNT is nominally synchronous but is never waited for.
func (e EventType) Sync() bool {
	switch e {
	case EventMount, EventPreunmount, EventUnmount, EventDebut, EventNospace,
		EventCreate, EventRemove, EventRename, EventLink, EventSymlink,
		EventRead, EventWrite, EventTruncate:
		return true
	default:
		return false
	}
}

func newHeader(e EventType) any {
	switch e.kind() {
	case kindData:
		return new(DataEventHdr)
	case kindDestroy:
		return new(DestroyEventHdr)
	case kindMount:
		return new(MountEventHdr)
	case kindNamesp:
		return new(NamespEventHdr)
	default:
		return nil
	}
}

func packHeader(buf []byte, hdr any) {
	var b bytes.Buffer
	if err := struc.Pack(&b, hdr); err != nil {
		panic(err)
	} else if b.Len() > len(buf) {
		panic(fmt.Sprintf("header %T is %d bytes, payload only %d", hdr, b.Len(), len(buf)))
	}
	copy(buf, b.Bytes())
}
