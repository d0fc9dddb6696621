package memfs

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/dmapi"
)

// MountOpts describes a mount.
type MountOpts struct {
	Path   string
	Device string
	// On is the directory being mounted on, if any. It may belong to a filesystem without
	// DMAPI support.
	On dmapi.Inode
}

func (fs *FS) enabled(ev dmapi.EventType) bool {
	if fs.cfg.NoDMAPI {
		return false
	}
	return fs.cfg.Filter == nil || fs.cfg.Filter.EventEnabled(fs.cfg.Fsid, ev)
}

// event sends a namespace event if it's enabled. Pre-events that fail abort the operation.
func (fs *FS) event(ctx context.Context, req *dmapi.NamespRequest) error {
	if !fs.enabled(req.Event) {
		return nil
	}
	err := fs.sender.SendNamesp(ctx, req)
	if err != nil {
		fs.log.Debug("event failed", zap.Stringer("event", req.Event), zap.Error(err))
	}
	return err
}

// postEvent sends an asynchronous notification. The operation already happened so errors
// are only logged.
func (fs *FS) postEvent(ctx context.Context, req *dmapi.NamespRequest) {
	if err := fs.event(ctx, req); err != nil {
		fs.log.Warn("post event not delivered", zap.Stringer("event", req.Event), zap.Error(err))
	}
}

func (fs *FS) dataEvent(ctx context.Context, ev dmapi.EventType, ip *Inode, right dmapi.Right, off int64, n uint64) error {
	if !fs.enabled(ev) {
		return nil
	}
	return fs.sender.SendData(ctx, &dmapi.DataRequest{
		Event:  ev,
		Inode:  ip,
		Right:  right,
		Offset: off,
		Length: n,
	})
}

func (fs *FS) checkWritable() error {
	if fs.cfg.ReadOnly {
		return unix.EROFS
	}
	return nil
}

// Mount raises the mount event and marks the filesystem mounted if it's accepted.
func (fs *FS) Mount(ctx context.Context, opts MountOpts) error {
	fs.lock.Lock()
	if fs.mounted {
		fs.lock.Unlock()
		return unix.EBUSY
	}
	fs.lock.Unlock()

	if fs.DMAPIOps() != nil {
		err := fs.sender.SendMount(ctx, &dmapi.MountRequest{
			Sb:        fs,
			SbRight:   dmapi.RightExcl,
			Dir:       opts.On,
			DirRight:  dmapi.RightShared,
			Root:      fs.root,
			RootRight: dmapi.RightShared,
			MountPath: opts.Path,
			Device:    opts.Device,
		})
		if err != nil {
			return err
		}
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.mounted = true
	fs.log.Info("mounted", zap.String("path", opts.Path))
	return nil
}

// Unmount raises preunmount, then unmounts unless the filesystem is pinned, then raises
// unmount with the result.
func (fs *FS) Unmount(ctx context.Context, mode uint32) error {
	if !fs.Mounted() {
		return unix.EINVAL
	} else if fs.cfg.NoDMAPI {
		return fs.unmountPlain()
	}

	var flags dmapi.Flags
	if !fs.enabled(dmapi.EventPreunmount) {
		flags = dmapi.FlagUnwanted
	}
	err := fs.sender.SendNamesp(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventPreunmount,
		Sb:     fs,
		Inode1: fs.root,
		Right1: dmapi.RightExcl,
		Inode2: fs.root,
		Right2: dmapi.RightExcl,
		Mode:   mode,
		Flags:  flags,
	})
	if err != nil {
		return err
	}

	fs.lock.Lock()
	var retcode int32
	if fs.pins > 0 {
		retcode = int32(unix.EBUSY)
	} else {
		fs.mounted = false
	}
	fs.lock.Unlock()

	req := &dmapi.UnmountRequest{Sb: fs, SbRight: dmapi.RightExcl, Mode: mode, Retcode: retcode}
	if retcode != 0 {
		// still mounted, the root can be referenced
		req.Root = fs.root
	}
	if !fs.enabled(dmapi.EventUnmount) {
		req.Flags = dmapi.FlagUnwanted
	}
	fs.sender.SendUnmount(ctx, req)

	if retcode != 0 {
		return unix.Errno(retcode)
	}
	fs.log.Info("unmounted")
	return nil
}

func (fs *FS) unmountPlain() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.pins > 0 {
		return unix.EBUSY
	}
	fs.mounted = false
	return nil
}

func (fs *FS) checkMounted() error {
	if !fs.Mounted() {
		return unix.ENXIO
	}
	return nil
}

// Create makes a new object. mode includes the type bits; a mode without them makes a
// regular file.
func (fs *FS) Create(ctx context.Context, p string, mode uint32) (*Inode, error) {
	if mode&unix.S_IFMT == 0 {
		mode |= unix.S_IFREG
	}
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR:
	default:
		return nil, unix.EINVAL
	}
	return fs.create(ctx, p, mode, "")
}

func (fs *FS) Symlink(ctx context.Context, p, target string) (*Inode, error) {
	if target == "" {
		return nil, unix.ENOENT
	}
	return fs.create(ctx, p, unix.S_IFLNK|0777, target)
}

func (fs *FS) create(ctx context.Context, p string, mode uint32, target string) (*Inode, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	} else if err := fs.checkWritable(); err != nil {
		return nil, err
	}
	pre, post := dmapi.EventCreate, dmapi.EventPostcreate
	if target != "" {
		pre, post = dmapi.EventSymlink, dmapi.EventPostsymlink
	}

	fs.lock.Lock()
	dir, name, err := fs.lookupParentLocked(p)
	if err == nil && dir.children[name] != nil {
		err = unix.EEXIST
	}
	fs.lock.Unlock()
	if err != nil {
		return nil, err
	}

	if err := fs.event(ctx, &dmapi.NamespRequest{
		Event:  pre,
		Inode1: dir,
		Right1: dmapi.RightExcl,
		Name1:  name,
		Name2:  target,
		Mode:   mode,
	}); err != nil {
		return nil, err
	}

	fs.lock.Lock()
	if dir.nlink == 0 {
		fs.lock.Unlock()
		return nil, unix.ENOENT
	} else if dir.children[name] != nil {
		fs.lock.Unlock()
		return nil, unix.EEXIST
	}
	ip := fs.newInode(mode)
	ip.target = target
	dir.children[name] = ip
	fs.lock.Unlock()

	fs.postEvent(ctx, &dmapi.NamespRequest{
		Event:  post,
		Inode1: dir,
		Inode2: ip,
		Name1:  name,
		Name2:  target,
		Mode:   mode,
	})
	return ip, nil
}

// Link adds a new name for an existing non-directory object.
func (fs *FS) Link(ctx context.Context, oldp, newp string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	} else if err := fs.checkWritable(); err != nil {
		return err
	}

	fs.lock.Lock()
	ip, err := fs.lookupLocked(oldp)
	var dir *Inode
	var name string
	if err == nil && ip.IsDir() {
		err = unix.EPERM
	}
	if err == nil {
		dir, name, err = fs.lookupParentLocked(newp)
	}
	if err == nil && dir.children[name] != nil {
		err = unix.EEXIST
	}
	fs.lock.Unlock()
	if err != nil {
		return err
	}

	if err := fs.event(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventLink,
		Inode1: dir,
		Right1: dmapi.RightExcl,
		Inode2: ip,
		Right2: dmapi.RightExcl,
		Name1:  name,
		Mode:   ip.mode,
	}); err != nil {
		return err
	}

	fs.lock.Lock()
	if dir.children[name] != nil {
		fs.lock.Unlock()
		return unix.EEXIST
	} else if ip.nlink == 0 {
		fs.lock.Unlock()
		return unix.ENOENT
	}
	dir.children[name] = ip
	ip.nlink++
	fs.lock.Unlock()

	fs.postEvent(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventPostlink,
		Inode1: dir,
		Inode2: ip,
		Name1:  name,
		Mode:   ip.mode,
	})
	return nil
}

// Remove unlinks a name. Directories must be empty. The object is destroyed when its last
// link goes away.
func (fs *FS) Remove(ctx context.Context, p string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	} else if err := fs.checkWritable(); err != nil {
		return err
	}

	fs.lock.Lock()
	dir, name, err := fs.lookupParentLocked(p)
	var ip *Inode
	if err == nil {
		if ip = dir.children[name]; ip == nil {
			err = unix.ENOENT
		} else if ip.IsDir() && len(ip.children) > 0 {
			err = unix.ENOTEMPTY
		}
	}
	fs.lock.Unlock()
	if err != nil {
		return err
	}

	if err := fs.event(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventRemove,
		Inode1: dir,
		Right1: dmapi.RightExcl,
		Name1:  name,
		Mode:   ip.mode,
	}); err != nil {
		return err
	}

	fs.lock.Lock()
	if dir.children[name] != ip {
		fs.lock.Unlock()
		return unix.ENOENT
	} else if ip.IsDir() && len(ip.children) > 0 {
		fs.lock.Unlock()
		return unix.ENOTEMPTY
	}
	delete(dir.children, name)
	gone := fs.unlinkLocked(ip)
	fs.lock.Unlock()

	fs.postEvent(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventPostremove,
		Inode1: dir,
		Name1:  name,
		Mode:   ip.mode,
	})
	if gone {
		fs.destroy(ctx, ip)
	}
	return nil
}

// must hold fs.lock. Reports whether the last link is gone.
func (fs *FS) unlinkLocked(ip *Inode) bool {
	ip.nlink--
	if ip.nlink > 0 {
		return false
	}
	fs.used -= int64(len(ip.data))
	return true
}

func (fs *FS) destroy(ctx context.Context, ip *Inode) {
	if !fs.enabled(dmapi.EventDestroy) {
		return
	}
	err := fs.sender.SendDestroy(ctx, &dmapi.DestroyRequest{Inode: ip, Right: dmapi.RightNull})
	if err != nil {
		fs.log.Warn("destroy event not delivered", zap.Stringer("inode", ip), zap.Error(err))
	}
}

// Rename moves oldp to newp, replacing a non-directory at newp.
func (fs *FS) Rename(ctx context.Context, oldp, newp string) error {
	if err := fs.checkMounted(); err != nil {
		return err
	} else if err := fs.checkWritable(); err != nil {
		return err
	}

	fs.lock.Lock()
	odir, oname, err := fs.lookupParentLocked(oldp)
	var ndir *Inode
	var nname string
	var ip *Inode
	if err == nil {
		if ip = odir.children[oname]; ip == nil {
			err = unix.ENOENT
		}
	}
	if err == nil {
		ndir, nname, err = fs.lookupParentLocked(newp)
	}
	if err == nil {
		if old := ndir.children[nname]; old == ip {
			fs.lock.Unlock()
			return nil
		} else if old != nil && old.IsDir() {
			err = unix.EISDIR
		} else if ip.IsDir() && fs.isAncestorLocked(ip, ndir) {
			err = unix.EINVAL
		}
	}
	fs.lock.Unlock()
	if err != nil {
		return err
	}

	if err := fs.event(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventRename,
		Inode1: odir,
		Right1: dmapi.RightExcl,
		Inode2: ndir,
		Right2: dmapi.RightExcl,
		Name1:  oname,
		Name2:  nname,
	}); err != nil {
		return err
	}

	fs.lock.Lock()
	if odir.children[oname] != ip {
		fs.lock.Unlock()
		return unix.ENOENT
	}
	replaced := ndir.children[nname]
	if replaced == ip {
		fs.lock.Unlock()
		return nil
	} else if replaced != nil && replaced.IsDir() {
		fs.lock.Unlock()
		return unix.EISDIR
	}
	delete(odir.children, oname)
	ndir.children[nname] = ip
	gone := replaced != nil && fs.unlinkLocked(replaced)
	fs.lock.Unlock()

	fs.postEvent(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventPostrename,
		Inode1: odir,
		Inode2: ndir,
		Name1:  oname,
		Name2:  nname,
	})
	if gone {
		fs.destroy(ctx, replaced)
	}
	return nil
}

// must hold fs.lock
func (fs *FS) isAncestorLocked(a, d *Inode) bool {
	if a == d {
		return true
	}
	for _, c := range a.children {
		if c.IsDir() && fs.isAncestorLocked(c, d) {
			return true
		}
	}
	return false
}

func (fs *FS) lookupFile(p string) (*Inode, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}
	ip, err := fs.Lookup(p)
	if err != nil {
		return nil, err
	} else if ip.IsDir() {
		return nil, unix.EISDIR
	} else if ip.mode&unix.S_IFMT != unix.S_IFREG {
		return nil, unix.EINVAL
	}
	return ip, nil
}

// Read returns up to n bytes at off.
func (fs *FS) Read(ctx context.Context, p string, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, unix.EINVAL
	}
	ip, err := fs.lookupFile(p)
	if err != nil {
		return nil, err
	}
	if err := fs.dataEvent(ctx, dmapi.EventRead, ip, dmapi.RightShared, off, uint64(n)); err != nil {
		return nil, err
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()
	if off >= int64(len(ip.data)) {
		return nil, nil
	}
	end := min(off+int64(n), int64(len(ip.data)))
	return append([]byte(nil), ip.data[off:end]...), nil
}

// Write stores data at off, extending the file as needed. When the write would exceed the
// capacity a NOSPACE event gives the application one chance to free space.
func (fs *FS) Write(ctx context.Context, p string, off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	} else if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	ip, err := fs.lookupFile(p)
	if err != nil {
		return 0, err
	}
	if err := fs.dataEvent(ctx, dmapi.EventWrite, ip, dmapi.RightExcl, off, uint64(len(data))); err != nil {
		return 0, err
	}

	for try := 0; ; try++ {
		fs.lock.Lock()
		end := off + int64(len(data))
		grow := max(0, end-int64(len(ip.data)))
		if fs.cfg.Capacity == 0 || fs.used+grow <= fs.cfg.Capacity {
			if grow > 0 {
				ip.data = append(ip.data, make([]byte, grow)...)
				fs.used += grow
			}
			copy(ip.data[off:], data)
			fs.lock.Unlock()
			return len(data), nil
		}
		fs.lock.Unlock()

		if try > 0 || !fs.enabled(dmapi.EventNospace) {
			return 0, unix.ENOSPC
		}
		err := fs.sender.SendNamesp(ctx, &dmapi.NamespRequest{
			Event:  dmapi.EventNospace,
			Sb:     fs,
			Inode1: fs.root,
			Right1: dmapi.RightShared,
			Inode2: ip,
			Right2: dmapi.RightExcl,
		})
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				return 0, err
			}
			return 0, unix.ENOSPC
		}
	}
}

// Truncate sets the file size.
func (fs *FS) Truncate(ctx context.Context, p string, size int64) error {
	if size < 0 {
		return unix.EINVAL
	} else if err := fs.checkWritable(); err != nil {
		return err
	}
	ip, err := fs.lookupFile(p)
	if err != nil {
		return err
	}
	if err := fs.dataEvent(ctx, dmapi.EventTruncate, ip, dmapi.RightExcl, size, 0); err != nil {
		return err
	}

	fs.lock.Lock()
	defer fs.lock.Unlock()
	cur := int64(len(ip.data))
	if size > cur {
		if fs.cfg.Capacity != 0 && fs.used+size-cur > fs.cfg.Capacity {
			return unix.ENOSPC
		}
		ip.data = append(ip.data, make([]byte, size-cur)...)
	} else {
		ip.data = ip.data[:size]
	}
	fs.used += size - cur
	return nil
}

// SetXattr sets an extended attribute and raises the attribute notification. A nil value
// removes the attribute.
func (fs *FS) SetXattr(ctx context.Context, p, name string, value []byte) error {
	if err := fs.checkMounted(); err != nil {
		return err
	} else if err := fs.checkWritable(); err != nil {
		return err
	} else if name == "" {
		return unix.EINVAL
	}

	fs.lock.Lock()
	ip, err := fs.lookupLocked(p)
	if err != nil {
		fs.lock.Unlock()
		return err
	}
	if value == nil {
		if _, ok := ip.xattrs[name]; !ok {
			fs.lock.Unlock()
			return unix.ENODATA
		}
		delete(ip.xattrs, name)
	} else {
		if ip.xattrs == nil {
			ip.xattrs = make(map[string][]byte)
		}
		// an empty value is kept as present
		ip.xattrs[name] = bytes.Clone(value)
	}
	fs.lock.Unlock()

	fs.postEvent(ctx, &dmapi.NamespRequest{
		Event:  dmapi.EventAttribute,
		Inode1: ip,
		Mode:   ip.mode,
	})
	return nil
}
