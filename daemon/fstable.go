package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lunixbochs/struc"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/dmapi"
)

type (
	// fsTable is the filesystem lifecycle table. Each mounted DMAPI filesystem has a record
	// keyed by fsid. bbolt serializes writers, so state changes for one filesystem are
	// atomic with respect to each other.
	fsTable struct {
		db    *bbolt.DB
		log   *zap.Logger
		stats *daemonStats
	}

	fsRecord struct {
		State       uint8  `struc:"uint8"`
		Pad         [3]byte
		Events      uint32 `struc:"uint32,little"`
		DestroyAttr [dmapi.AttrNameSize]byte
		Registered  int64 `struc:"int64,little"`
	}

	// FsInfo is the exported form of a table record.
	FsInfo struct {
		Fsid        string
		State       string
		Events      []string
		DestroyAttr string
		Registered  time.Time
	}
)

var (
	_ dmapi.FsTable = (*fsTable)(nil)

	errNotRegistered = fmt.Errorf("filesystem not registered: %w", unix.ENOENT)
)

func newFsTable(db *bbolt.DB, log *zap.Logger, stats *daemonStats) *fsTable {
	return &fsTable{db: db, log: log, stats: stats}
}

func sbFsid(sb dmapi.Superblock) dmapi.Fsid {
	return sb.DMAPIOps().GetFsid(sb)
}

func loadRecord(b []byte) (*fsRecord, error) {
	var rec fsRecord
	if err := struc.Unpack(bytes.NewReader(b), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (rec *fsRecord) bytes() []byte {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, rec); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func (rec *fsRecord) info(fsid []byte) FsInfo {
	var f dmapi.Fsid
	copy(f[:], fsid)
	var names []string
	for _, e := range dmapi.EventSet(rec.Events).Events() {
		names = append(names, e.String())
	}
	return FsInfo{
		Fsid:        f.String(),
		State:       dmapi.FsState(rec.State).String(),
		Events:      names,
		DestroyAttr: dmapi.AttrName(rec.DestroyAttr).String(),
		Registered:  time.Unix(rec.Registered, 0),
	}
}

// update runs f on the record for fsid inside a write transaction and stores the result.
func (t *fsTable) update(fsid dmapi.Fsid, f func(*fsRecord) error) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fsBucket)
		buf := b.Get(fsid[:])
		if buf == nil {
			return errNotRegistered
		}
		rec, err := loadRecord(buf)
		if err != nil {
			return err
		} else if err = f(rec); err != nil {
			return err
		}
		return b.Put(fsid[:], rec.bytes())
	})
}

func (t *fsTable) get(fsid dmapi.Fsid) (*fsRecord, error) {
	var rec *fsRecord
	err := t.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(fsBucket).Get(fsid[:])
		if buf == nil {
			return errNotRegistered
		}
		var err error
		rec, err = loadRecord(buf)
		return err
	})
	return rec, err
}

// Register creates the record for a filesystem about to be mounted. A leftover record for
// an unmounted filesystem is replaced.
func (t *fsTable) Register(fsid dmapi.Fsid, events dmapi.EventSet, attr dmapi.AttrName) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fsBucket)
		if buf := b.Get(fsid[:]); buf != nil {
			if rec, err := loadRecord(buf); err != nil {
				return err
			} else if dmapi.FsState(rec.State) != dmapi.StateUnmounted {
				return fmt.Errorf("filesystem %v already registered: %w", fsid, unix.EBUSY)
			}
		}
		rec := fsRecord{
			State:       uint8(dmapi.StateMounted),
			Events:      uint32(events),
			DestroyAttr: attr,
			Registered:  time.Now().Unix(),
		}
		return b.Put(fsid[:], rec.bytes())
	})
}

func (t *fsTable) ChangeState(sb dmapi.Superblock, state dmapi.FsState) error {
	fsid := sbFsid(sb)
	err := t.update(fsid, func(rec *fsRecord) error {
		from := dmapi.FsState(rec.State)
		if !dmapi.CanTransition(from, state) {
			return fmt.Errorf("filesystem %v can't go from %v to %v: %w", fsid, from, state, unix.EINVAL)
		}
		rec.State = uint8(state)
		return nil
	})
	if err != nil {
		t.stats.stateErrs.Add(1)
		return err
	}
	t.stats.stateChanges.Add(1)
	t.log.Debug("filesystem state", zap.Stringer("fsid", fsid), zap.Stringer("state", state))
	return nil
}

func (t *fsTable) Remove(sb dmapi.Superblock) error {
	return t.remove(sbFsid(sb))
}

func (t *fsTable) remove(fsid dmapi.Fsid) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fsBucket)
		if b.Get(fsid[:]) == nil {
			return errNotRegistered
		}
		return b.Delete(fsid[:])
	})
}

func (t *fsTable) DestroyAttrName(ctx context.Context, sb dmapi.Superblock) (dmapi.AttrName, error) {
	rec, err := t.get(sbFsid(sb))
	if errors.Is(err, errNotRegistered) {
		return dmapi.AttrName{}, nil
	} else if err != nil {
		return dmapi.AttrName{}, err
	}
	return rec.DestroyAttr, nil
}

// SetReturnOnDestroy configures the attribute whose value is copied into destroy events.
// The zero name turns it off.
func (t *fsTable) SetReturnOnDestroy(fsid dmapi.Fsid, name dmapi.AttrName) error {
	return t.update(fsid, func(rec *fsRecord) error {
		rec.DestroyAttr = name
		return nil
	})
}

func (t *fsTable) SetEventList(fsid dmapi.Fsid, events dmapi.EventSet) error {
	return t.update(fsid, func(rec *fsRecord) error {
		rec.Events = uint32(events)
		return nil
	})
}

// EventEnabled reports whether the filesystem raises ev. Unregistered filesystems raise
// nothing.
func (t *fsTable) EventEnabled(fsid dmapi.Fsid, ev dmapi.EventType) bool {
	rec, err := t.get(fsid)
	if err != nil {
		return false
	}
	return dmapi.EventSet(rec.Events).Contains(ev)
}

func (t *fsTable) State(fsid dmapi.Fsid) (dmapi.FsState, error) {
	rec, err := t.get(fsid)
	if err != nil {
		return 0, err
	}
	return dmapi.FsState(rec.State), nil
}

func (t *fsTable) List() ([]FsInfo, error) {
	var out []FsInfo
	err := t.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(fsBucket).ForEach(func(k, v []byte) error {
			rec, err := loadRecord(v)
			if err != nil {
				t.log.Warn("bad filesystem record", zap.Binary("fsid", k), zap.Error(err))
				return nil
			}
			out = append(out, rec.info(k))
			return nil
		})
	})
	return out, err
}
