package dmapi

import "context"

// Contracts of the services consumed by the event core. The filesystem provides Superblock,
// Inode and FsOps; the session layer provides Queue and FsTable.

type (
	// Superblock is a mounted filesystem instance.
	Superblock interface {
		// DMAPIOps returns nil if the filesystem does not support DMAPI.
		DMAPIOps() FsOps
		ReadOnly() bool
	}

	// Inode is a filesystem object.
	Inode interface {
		// Mode returns the unix mode including the S_IFMT type bits.
		Mode() uint32
		Superblock() Superblock
	}

	// FsOps is the filesystem-specific part of DMAPI.
	FsOps interface {
		// GetFsid must not fail for a filesystem that supports DMAPI.
		GetFsid(sb Superblock) Fsid
		// InodeToHandle must not fail for an inode of a DMAPI filesystem. A failure here is
		// treated as a fatal consistency violation.
		InodeToHandle(ip Inode) (Handle, error)
		// GetDestroyAttr returns the value of the named attribute, or an error wrapping
		// ErrNoData if the object doesn't have it.
		GetDestroyAttr(ip Inode, right Right, name AttrName) ([]byte, error)
	}

	// RightHolder is implemented by objects that track the right held by the filesystem
	// operation. Rights are handed back through it when an event is released.
	RightHolder interface {
		SetRight(r Right)
	}

	// Queue is the queue/wait service. Implementations that keep an event after the
	// Submit call returns must Hold it and Put it when done.
	Queue interface {
		// SubmitAndWait queues a synchronous event and blocks until the reply or until ctx
		// is done. The returned error is the reply status.
		SubmitAndWait(ctx context.Context, sb Superblock, ev *Event, flags Flags) error
		// SubmitAsync returns once the event is queued.
		SubmitAsync(ctx context.Context, sb Superblock, ev *Event, flags Flags) error
		// SubmitMount offers a mount event to the sessions that want mount events and
		// waits for one of them to accept or reject it.
		SubmitMount(ctx context.Context, sb Superblock, ev *Event) error
		// SubmitMsg sends a user event to a session, waiting for the reply if sync.
		SubmitMsg(ctx context.Context, sid SessionID, ev *Event, sync bool) error
		// SubmitUserEvent registers ev as an outstanding event of the session without
		// delivering it, and returns its token.
		SubmitUserEvent(ctx context.Context, sid SessionID, ev *Event) (Token, error)
	}

	// FsTable is the filesystem lifecycle table.
	FsTable interface {
		ChangeState(sb Superblock, state FsState) error
		Remove(sb Superblock) error
		// DestroyAttrName returns the return-on-destroy attribute name configured for the
		// filesystem. The zero AttrName means none is configured.
		DestroyAttrName(ctx context.Context, sb Superblock) (AttrName, error)
	}

	// Allocator provides the memory for descriptors and payloads. Either allocation may
	// fail with ErrNoMem.
	Allocator interface {
		AllocDescriptor() (*Descriptor, error)
		FreeDescriptor(d *Descriptor)
		AllocPayload(n int) ([]byte, error)
		FreePayload(b []byte)
	}
)

// IsDMAPIInode reports whether ip lives in a filesystem that supports DMAPI.
func IsDMAPIInode(ip Inode) bool {
	return ip != nil && ip.Superblock() != nil && ip.Superblock().DMAPIOps() != nil
}
