package daemon

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/dmapi"
	"github.com/dnr/dmapi/memfs"
)

// fsEntry is an in-memory filesystem plus the table settings it gets when mounted.
type fsEntry struct {
	fs     *memfs.FS
	events dmapi.EventSet
	attr   dmapi.AttrName
}

// allEvents is what a filesystem raises if it isn't told otherwise.
var allEvents = dmapi.EventSet(1<<dmapi.EventMax - 1)

func (s *server) newFs(fsid dmapi.Fsid, r *FsNewReq) (*fsEntry, error) {
	if fsid == (dmapi.Fsid{}) {
		return nil, mwErr(http.StatusBadRequest, "fsid required")
	}
	ent := &fsEntry{events: allEvents}
	if r.Events != nil {
		set, err := parseEvents(r.Events)
		if err != nil {
			return nil, mwErrE(http.StatusBadRequest, err)
		}
		ent.events = set
	}
	attr, err := dmapi.MakeAttrName(r.DestroyAttr)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	ent.attr = attr
	ent.fs = memfs.New(memfs.Config{
		Fsid:     fsid,
		Capacity: r.Capacity,
		ReadOnly: r.ReadOnly,
		NoDMAPI:  r.NoDMAPI,
		Sender:   s.sender,
		Filter:   s.table,
		Log:      s.log.Named("memfs"),
	})
	if !s.filesystems.PutIfNotPresent(fsid, ent) {
		return nil, fmt.Errorf("filesystem %v exists: %w", fsid, unix.EEXIST)
	}
	return ent, nil
}

func (s *server) getFs(fsidStr string) (*fsEntry, error) {
	fsid, err := parseFsid(fsidStr)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	ent, ok := s.filesystems.Get(fsid)
	if !ok {
		return nil, fmt.Errorf("no filesystem %v: %w", fsid, unix.ENOENT)
	}
	return ent, nil
}

// mountFs registers a DMAPI filesystem in the table and mounts it. The record is dropped
// again if the mount is refused.
func (s *server) mountFs(ctx context.Context, ent *fsEntry, opts memfs.MountOpts) error {
	fsid := ent.fs.Fsid()
	dm := ent.fs.DMAPIOps() != nil
	if dm {
		if err := s.table.Register(fsid, ent.events, ent.attr); err != nil {
			return err
		}
	}
	err := ent.fs.Mount(ctx, opts)
	if err != nil && dm {
		if rerr := s.table.remove(fsid); rerr != nil {
			s.log.Warn("removing record after failed mount", zap.Stringer("fsid", fsid), zap.Error(rerr))
		}
	}
	return err
}

func (s *server) handleFsNew(ctx context.Context, r *FsNewReq) (*Status, error) {
	fsid, err := parseFsid(r.Fsid)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	_, err = s.newFs(fsid, r)
	return nil, err
}

func (s *server) handleFsMount(ctx context.Context, r *FsMountReq) (*Status, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	opts := memfs.MountOpts{Path: r.Path, Device: r.Device}
	if r.OnFsid != "" {
		on, err := s.getFs(r.OnFsid)
		if err != nil {
			return nil, err
		}
		dir, err := on.fs.Lookup(r.OnPath)
		if err != nil {
			return nil, err
		} else if !dir.IsDir() {
			return nil, unix.ENOTDIR
		}
		opts.On = dir
	}
	return nil, s.mountFs(ctx, ent, opts)
}

func (s *server) handleFsUnmount(ctx context.Context, r *FsUnmountReq) (*Status, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	return nil, ent.fs.Unmount(ctx, r.Mode)
}

func (s *server) handleFsPin(ctx context.Context, r *FsPinReq) (*Status, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	if r.Unpin {
		ent.fs.Unpin()
	} else {
		ent.fs.Pin()
	}
	return nil, nil
}

func (s *server) handleFsList(ctx context.Context, r *FsListReq) (*FsListResp, error) {
	fss, err := s.table.List()
	if err != nil {
		return nil, err
	}
	return &FsListResp{Filesystems: fss}, nil
}

func (s *server) handleFsEvents(ctx context.Context, r *FsEventsReq) (*Status, error) {
	fsid, err := parseFsid(r.Fsid)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	set, err := parseEvents(r.Events)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	return nil, s.table.SetEventList(fsid, set)
}

func (s *server) handleDestroyAttr(ctx context.Context, r *DestroyAttrReq) (*Status, error) {
	fsid, err := parseFsid(r.Fsid)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	attr, err := dmapi.MakeAttrName(r.Name)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	return nil, s.table.SetReturnOnDestroy(fsid, attr)
}

// namespace and data operations

func (s *server) handleFsCreate(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	ip, err := ent.fs.Create(ctx, r.Path, r.Mode)
	if err != nil {
		return nil, err
	}
	return &FsOpResp{Ino: ip.Ino(), Gen: ip.Gen()}, nil
}

func (s *server) handleFsSymlink(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	ip, err := ent.fs.Symlink(ctx, r.Path, r.Target)
	if err != nil {
		return nil, err
	}
	return &FsOpResp{Ino: ip.Ino(), Gen: ip.Gen()}, nil
}

func (s *server) handleFsLink(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	return nil, ent.fs.Link(ctx, r.Path, r.NewPath)
}

func (s *server) handleFsRemove(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	return nil, ent.fs.Remove(ctx, r.Path)
}

func (s *server) handleFsRename(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	return nil, ent.fs.Rename(ctx, r.Path, r.NewPath)
}

func (s *server) handleFsRead(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	data, err := ent.fs.Read(ctx, r.Path, r.Offset, r.Length)
	if err != nil {
		return nil, err
	}
	return &FsOpResp{N: len(data), Data: data}, nil
}

func (s *server) handleFsWrite(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	n, err := ent.fs.Write(ctx, r.Path, r.Offset, r.Data)
	if err != nil {
		return nil, err
	}
	return &FsOpResp{N: n}, nil
}

func (s *server) handleFsTruncate(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	return nil, ent.fs.Truncate(ctx, r.Path, r.Size)
}

func (s *server) handleFsSetXattr(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	return nil, ent.fs.SetXattr(ctx, r.Path, r.Name, r.Value)
}

func (s *server) handleFsListDir(ctx context.Context, r *FsOpReq) (*FsOpResp, error) {
	ent, err := s.getFs(r.Fsid)
	if err != nil {
		return nil, err
	}
	names, err := ent.fs.List(r.Path)
	if err != nil {
		return nil, err
	}
	return &FsOpResp{Names: names}, nil
}
