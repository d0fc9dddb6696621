package dmapi

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/lunixbochs/struc"
	"golang.org/x/sys/unix"
)

const (
	// FsHandleSize is the size of a filesystem handle (the fsid alone).
	FsHandleSize = 8
	// HandleSize is the size of a complete file handle.
	HandleSize = 24

	// fid length as stored in the handle: the fid minus its own length field
	fidLen = 14
)

type (
	Fsid [8]byte

	// Handle identifies a filesystem or an object within it.
	Handle struct {
		Fsid   Fsid
		FidLen uint16
		FidGen uint32
		FidIno uint64
	}

	handleWire struct {
		Fsid   [8]byte
		FidLen uint16 `struc:"uint16,little"`
		FidPad uint16 `struc:"uint16,little"`
		FidGen uint32 `struc:"uint32,little"`
		FidIno uint64 `struc:"uint64,little"`
	}

	// Descriptor binds one filesystem object into an event, along with the rights held
	// on it. It is owned by exactly one Event.
	Descriptor struct {
		Type      ObjectType
		Handle    Handle
		OrigRight Right
		Right     Right
		Flags     DescFlags

		// Inode is set for referenced inodes, and for filesystem descriptors that carry a
		// root inode reference.
		Inode Inode
		// Sb is set for filesystem descriptors.
		Sb Superblock

		// count of lookups through this descriptor by the application
		VCount int
	}
)

func (f Fsid) String() string { return hex.EncodeToString(f[:]) }

func ParseFsid(s string) (Fsid, error) {
	var f Fsid
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, err
	} else if len(b) != len(f) {
		return f, fmt.Errorf("fsid %q must be %d bytes", s, len(f))
	}
	copy(f[:], b)
	return f, nil
}

// NewFileHandle builds the handle of an object from its inode number and generation.
func NewFileHandle(fsid Fsid, ino uint64, gen uint32) Handle {
	return Handle{Fsid: fsid, FidLen: fidLen, FidGen: gen, FidIno: ino}
}

func (h Handle) IsFs() bool { return h.FidLen == 0 }

// Size is the number of bytes of the handle that go on the wire.
func (h Handle) Size() int {
	if h.IsFs() {
		return FsHandleSize
	}
	return FsHandleSize + 2 + int(h.FidLen)
}

func (h Handle) Bytes() []byte {
	var buf bytes.Buffer
	w := handleWire{Fsid: h.Fsid, FidLen: h.FidLen, FidGen: h.FidGen, FidIno: h.FidIno}
	if err := struc.Pack(&buf, &w); err != nil {
		panic(err)
	}
	return buf.Bytes()[:h.Size()]
}

func (h Handle) String() string { return hex.EncodeToString(h.Bytes()) }

// ParseHandle decodes either a filesystem handle or a file handle.
func ParseHandle(b []byte) (Handle, error) {
	switch len(b) {
	case FsHandleSize:
		var h Handle
		copy(h.Fsid[:], b)
		return h, nil
	case HandleSize:
		var w handleWire
		if err := struc.Unpack(bytes.NewReader(b), &w); err != nil {
			return Handle{}, err
		}
		if w.FidLen != fidLen {
			return Handle{}, fmt.Errorf("bad fid length %d", w.FidLen)
		}
		return Handle{Fsid: w.Fsid, FidLen: w.FidLen, FidGen: w.FidGen, FidIno: w.FidIno}, nil
	default:
		return Handle{}, fmt.Errorf("bad handle size %d", len(b))
	}
}

// handleSize follows the descriptor type rather than the handle contents.
func (d *Descriptor) handleSize() int {
	if d.Type&ObjVFS != 0 {
		return FsHandleSize
	}
	return d.Handle.Size()
}

func (d *Descriptor) handleBytes() []byte {
	return d.Handle.Bytes()[:d.handleSize()]
}

func objectType(mode uint32) ObjectType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return ObjReg
	case unix.S_IFDIR:
		return ObjDir
	case unix.S_IFLNK:
		return ObjLnk
	default:
		return ObjOth
	}
}

// inodeData builds a descriptor for an inode in a filesystem known to support DMAPI.
// referenced means the caller holds an inode reference for the duration of the event.
func (s *Sender) inodeData(ip Inode, right Right, referenced bool) (*Descriptor, error) {
	ops := ip.Superblock().DMAPIOps()
	if ops == nil {
		panic(fmt.Sprintf("inodeData: inode %v is not in a DMAPI filesystem", ip))
	}

	tdp, err := s.alloc.AllocDescriptor()
	if err != nil {
		s.log.Warn("descriptor allocation failed")
		return nil, ErrNoMem
	}
	*tdp = Descriptor{
		Type:      objectType(ip.Mode()),
		OrigRight: right,
		Right:     right,
		Flags:     DescOrig,
	}
	if referenced {
		tdp.Flags |= DescEvtRef
		tdp.Inode = ip
	}

	h, err := ops.InodeToHandle(ip)
	if err != nil {
		panic(fmt.Sprintf("inodeData: handle translation failed for %v in a DMAPI filesystem: %v", ip, err))
	}
	tdp.Handle = h
	return tdp, nil
}

// sbData builds a descriptor for a filesystem. ip is the root inode, or nil if there is no
// live object to reference (e.g. after a successful unmount).
func (s *Sender) sbData(sb Superblock, ip Inode, right Right) (*Descriptor, error) {
	fsid := sb.DMAPIOps().GetFsid(sb)

	tdp, err := s.alloc.AllocDescriptor()
	if err != nil {
		s.log.Warn("descriptor allocation failed")
		return nil, ErrNoMem
	}
	*tdp = Descriptor{
		Type:      ObjVFS,
		Handle:    Handle{Fsid: fsid},
		OrigRight: right,
		Right:     right,
		Flags:     DescOrig,
		Inode:     ip,
		Sb:        sb,
	}
	if ip != nil {
		tdp.Flags |= DescEvtRef
	}
	return tdp, nil
}

func (s *Sender) freeDescriptors(tdps ...*Descriptor) {
	for _, tdp := range tdps {
		if tdp != nil {
			s.alloc.FreeDescriptor(tdp)
		}
	}
}
