// Package memfs is an in-memory filesystem that raises DMAPI events for its operations.
package memfs

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/common"
	"github.com/dnr/dmapi/dmapi"
)

type (
	// EventFilter decides which events a filesystem raises.
	EventFilter interface {
		EventEnabled(fsid dmapi.Fsid, ev dmapi.EventType) bool
	}

	Config struct {
		Fsid dmapi.Fsid
		// Capacity bounds the total file data in bytes. 0 means unlimited.
		Capacity int64
		ReadOnly bool
		// NoDMAPI makes a filesystem that doesn't support DMAPI. Its objects can still be
		// mounted on.
		NoDMAPI bool

		Sender *dmapi.Sender
		// Filter defaults to raising every event.
		Filter EventFilter
		Log    *zap.Logger
	}

	FS struct {
		cfg    Config
		sender *dmapi.Sender
		log    *zap.Logger

		lock    sync.Mutex
		root    *Inode
		nextIno uint64
		nextGen uint32
		used    int64
		mounted bool
		pins    int
		right   dmapi.Right
	}

	Inode struct {
		fs   *FS
		ino  uint64
		gen  uint32
		mode uint32

		// guarded by fs.lock
		nlink    int
		data     []byte
		target   string
		children map[string]*Inode
		xattrs   map[string][]byte
		right    dmapi.Right
	}
)

var (
	_ dmapi.Superblock  = (*FS)(nil)
	_ dmapi.FsOps       = (*FS)(nil)
	_ dmapi.RightHolder = (*FS)(nil)
	_ dmapi.Inode       = (*Inode)(nil)
	_ dmapi.RightHolder = (*Inode)(nil)
)

const rootIno = 1

func New(cfg Config) *FS {
	fs := &FS{
		cfg:     cfg,
		sender:  cfg.Sender,
		log:     common.OrNop(cfg.Log).With(zap.Stringer("fsid", cfg.Fsid)),
		nextIno: rootIno,
		nextGen: 1,
	}
	fs.root = fs.newInode(unix.S_IFDIR | 0755)
	return fs
}

// must hold fs.lock, or be in New
func (fs *FS) newInode(mode uint32) *Inode {
	ip := &Inode{fs: fs, ino: fs.nextIno, gen: fs.nextGen, mode: mode, nlink: 1}
	fs.nextIno++
	fs.nextGen++
	if mode&unix.S_IFMT == unix.S_IFDIR {
		ip.children = make(map[string]*Inode)
	}
	return ip
}

// Superblock

func (fs *FS) DMAPIOps() dmapi.FsOps {
	if fs.cfg.NoDMAPI {
		return nil
	}
	return fs
}

func (fs *FS) ReadOnly() bool { return fs.cfg.ReadOnly }

func (fs *FS) SetRight(r dmapi.Right) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.right = r
}

// FsOps

func (fs *FS) GetFsid(dmapi.Superblock) dmapi.Fsid { return fs.cfg.Fsid }

func (fs *FS) InodeToHandle(ip dmapi.Inode) (dmapi.Handle, error) {
	mi, ok := ip.(*Inode)
	if !ok || mi.fs != fs {
		return dmapi.Handle{}, fmt.Errorf("inode %v not in %v: %w", ip, fs.cfg.Fsid, unix.EINVAL)
	}
	return dmapi.NewFileHandle(fs.cfg.Fsid, mi.ino, mi.gen), nil
}

func (fs *FS) GetDestroyAttr(ip dmapi.Inode, _ dmapi.Right, name dmapi.AttrName) ([]byte, error) {
	mi := ip.(*Inode)
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if v, ok := mi.xattrs[name.String()]; ok {
		return bytes.Clone(v), nil
	}
	return nil, fmt.Errorf("attribute %s: %w", name, dmapi.ErrNoData)
}

// Inode

func (ip *Inode) Mode() uint32 { return ip.mode }
func (ip *Inode) Superblock() dmapi.Superblock { return ip.fs }
func (ip *Inode) Ino() uint64 { return ip.ino }
func (ip *Inode) Gen() uint32 { return ip.gen }
func (ip *Inode) IsDir() bool { return ip.mode&unix.S_IFMT == unix.S_IFDIR }

func (ip *Inode) String() string { return fmt.Sprintf("inode(%d.%d)", ip.ino, ip.gen) }

func (ip *Inode) SetRight(r dmapi.Right) {
	ip.fs.lock.Lock()
	defer ip.fs.lock.Unlock()
	ip.right = r
}

func (ip *Inode) Right() dmapi.Right {
	ip.fs.lock.Lock()
	defer ip.fs.lock.Unlock()
	return ip.right
}

func (ip *Inode) Nlink() int {
	ip.fs.lock.Lock()
	defer ip.fs.lock.Unlock()
	return ip.nlink
}

func (ip *Inode) Size() int64 {
	ip.fs.lock.Lock()
	defer ip.fs.lock.Unlock()
	return int64(len(ip.data))
}

// accessors

func (fs *FS) Fsid() dmapi.Fsid { return fs.cfg.Fsid }
func (fs *FS) Root() *Inode { return fs.root }

func (fs *FS) Mounted() bool {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.mounted
}

func (fs *FS) Used() int64 {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.used
}

// Pin marks the filesystem busy so that unmounts fail with EBUSY until Unpin.
func (fs *FS) Pin() {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.pins++
}

func (fs *FS) Unpin() {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.pins == 0 {
		panic("unbalanced Unpin")
	}
	fs.pins--
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// must hold fs.lock
func (fs *FS) lookupLocked(p string) (*Inode, error) {
	ip := fs.root
	for _, part := range splitPath(p) {
		if !ip.IsDir() {
			return nil, unix.ENOTDIR
		}
		next, ok := ip.children[part]
		if !ok {
			return nil, unix.ENOENT
		}
		ip = next
	}
	return ip, nil
}

// must hold fs.lock. Returns the parent directory and the last path component.
func (fs *FS) lookupParentLocked(p string) (*Inode, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", unix.EINVAL
	}
	dir, err := fs.lookupLocked(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	} else if !dir.IsDir() {
		return nil, "", unix.ENOTDIR
	}
	return dir, parts[len(parts)-1], nil
}

func (fs *FS) Lookup(p string) (*Inode, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.lookupLocked(p)
}

// List returns the names in a directory.
func (fs *FS) List(p string) ([]string, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	ip, err := fs.lookupLocked(p)
	if err != nil {
		return nil, err
	} else if !ip.IsDir() {
		return nil, unix.ENOTDIR
	}
	names := make([]string, 0, len(ip.children))
	for n := range ip.children {
		names = append(names, n)
	}
	slices.Sort(names)
	return names, nil
}

func (fs *FS) Readlink(p string) (string, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	ip, err := fs.lookupLocked(p)
	if err != nil {
		return "", err
	} else if ip.mode&unix.S_IFMT != unix.S_IFLNK {
		return "", unix.EINVAL
	}
	return ip.target, nil
}

func (fs *FS) GetXattr(p, name string) ([]byte, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	ip, err := fs.lookupLocked(p)
	if err != nil {
		return nil, err
	}
	v, ok := ip.xattrs[name]
	if !ok {
		return nil, unix.ENODATA
	}
	return bytes.Clone(v), nil
}
