package dmapi

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

type (
	Config struct {
		Queue   Queue
		FsTable FsTable
		// Allocator defaults to a PoolAllocator with DefaultMaxPayload.
		Allocator Allocator
		Log       *zap.Logger
	}

	// Sender builds events for filesystem operations and submits them to the queue.
	// It keeps no state between calls and is safe for concurrent use.
	Sender struct {
		queue Queue
		table FsTable
		alloc Allocator
		log   *zap.Logger
	}

	// Request is one of the event request types below.
	Request interface {
		EventType() EventType
		send(ctx context.Context, s *Sender) error
	}

	DataRequest struct {
		Event  EventType // READ, WRITE or TRUNCATE
		Inode  Inode     // caller holds a reference
		Right  Right
		Offset int64
		Length uint64
		Flags  Flags // 0 or FlagNoDelay
	}

	DestroyRequest struct {
		Inode Inode // already gone from the namespace, no reference held
		Right Right // always RightNull
	}

	MountRequest struct {
		Sb      Superblock
		SbRight Right
		// Dir is the mounted-on directory. It's left out of the event if nil or not in a
		// DMAPI filesystem.
		Dir       Inode
		DirRight  Right
		Root      Inode
		RootRight Right
		MountPath string
		Device    string
	}

	UnmountRequest struct {
		Sb      Superblock
		Root    Inode // nil if the unmount succeeded
		SbRight Right
		Mode    uint32
		Retcode int32 // errno if the unmount failed
		Flags   Flags
	}

	// NamespRequest covers PREUNMOUNT, NOSPACE and the namespace events. Empty names are
	// left out of the payload.
	NamespRequest struct {
		Event EventType
		// Sb is used by PREUNMOUNT and NOSPACE. It defaults to Inode1's superblock.
		Sb      Superblock
		Inode1  Inode
		Right1  Right
		Inode2  Inode
		Right2  Right
		Name1   string
		Name2   string
		Mode    uint32
		Retcode int32
		Flags   Flags
	}

	// MsgRequest sends a user message. Length bytes are copied from Data.
	MsgRequest struct {
		Session SessionID
		Type    MsgType
		Length  int
		Data    io.Reader
	}

	// UserEventRequest creates a user event without delivering it. Token is filled in on
	// success.
	UserEventRequest struct {
		Session SessionID
		Length  int
		Data    io.Reader

		Token Token
	}
)

func NewSender(cfg Config) *Sender {
	s := &Sender{
		queue: cfg.Queue,
		table: cfg.FsTable,
		alloc: cfg.Allocator,
		log:   cfg.Log,
	}
	if s.alloc == nil {
		s.alloc = NewPoolAllocator(DefaultMaxPayload)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Send dispatches a request to the operation for its event kind.
func (s *Sender) Send(ctx context.Context, r Request) error {
	return r.send(ctx, s)
}

func (r *DataRequest) EventType() EventType { return r.Event }
func (r *DestroyRequest) EventType() EventType { return EventDestroy }
func (r *MountRequest) EventType() EventType { return EventMount }
func (r *UnmountRequest) EventType() EventType { return EventUnmount }
func (r *NamespRequest) EventType() EventType { return r.Event }
func (r *MsgRequest) EventType() EventType { return EventUser }
func (r *UserEventRequest) EventType() EventType { return EventUser }

func (r *DataRequest) send(ctx context.Context, s *Sender) error { return s.SendData(ctx, r) }
func (r *DestroyRequest) send(ctx context.Context, s *Sender) error { return s.SendDestroy(ctx, r) }
func (r *MountRequest) send(ctx context.Context, s *Sender) error { return s.SendMount(ctx, r) }
func (r *NamespRequest) send(ctx context.Context, s *Sender) error { return s.SendNamesp(ctx, r) }
func (r *MsgRequest) send(ctx context.Context, s *Sender) error { return s.SendMsg(ctx, r) }

func (r *UnmountRequest) send(ctx context.Context, s *Sender) error {
	s.SendUnmount(ctx, r)
	return nil
}

func (r *UserEventRequest) send(ctx context.Context, s *Sender) (err error) {
	r.Token, err = s.CreateUserEvent(ctx, r)
	return err
}

func (s *Sender) logResult(ev *Event, err error) {
	if ce := s.log.Check(zap.DebugLevel, "event"); ce != nil {
		ce.Write(
			zap.Stringer("type", ev.Type),
			zap.Int("size", len(ev.Payload)),
			zap.Int("objects", len(ev.Objects)),
			zap.Int("status", Status(err)),
		)
	}
}

// SendData raises a data event for an inode and waits for the reply. The caller must hold a
// reference on the inode so its filesystem can't go away while the event is outstanding.
func (s *Sender) SendData(ctx context.Context, r *DataRequest) error {
	if r.Event.kind() != kindData {
		return fmt.Errorf("%v is not a data event: %w", r.Event, ErrInval)
	}

	tdp, err := s.inodeData(r.Inode, r.Right, true)
	if err != nil {
		return err
	}

	var hdr DataEventHdr
	l := newLayout(DataHdrSize)
	l.add(&hdr.Handle, tdp.handleBytes())
	ev, err := s.newEvent(r.Event, l)
	if err != nil {
		s.freeDescriptors(tdp)
		return err
	}
	ev.attach(tdp)

	hdr.Offset = r.Offset
	hdr.Length = r.Length
	l.finish(ev.Payload, &hdr)

	err = s.queue.SubmitAndWait(ctx, r.Inode.Superblock(), ev, r.Flags)
	s.logResult(ev, err)

	// on success we leave with the rights we came in with, otherwise with none
	s.release(ev, err == nil)
	return err
}

// SendDestroy raises the destroy event for an inode that's already gone from the namespace,
// and returns once it's queued. No reference or right is held on the inode.
func (s *Sender) SendDestroy(ctx context.Context, r *DestroyRequest) error {
	sb := r.Inode.Superblock()

	attrname, err := s.table.DestroyAttrName(ctx, sb)
	if err != nil {
		return err
	}

	// If a return-on-destroy attribute is configured, include its value if the object has
	// it. Any lookup error other than "not present" fails the event before anything is
	// allocated.
	var value []byte
	haveValue := false
	if !attrname.IsZero() {
		value, err = sb.DMAPIOps().GetDestroyAttr(r.Inode, r.Right, attrname)
		if err == nil {
			haveValue = true
		} else if !errors.Is(err, ErrNoData) {
			return err
		}
	}

	tdp, err := s.inodeData(r.Inode, r.Right, false)
	if err != nil {
		return err
	}

	var hdr DestroyEventHdr
	l := newLayout(DestroyHdrSize)
	l.add(&hdr.Handle, tdp.handleBytes())
	if haveValue {
		hdr.AttrName = attrname
		l.add(&hdr.AttrCopy, value)
	}
	ev, err := s.newEvent(EventDestroy, l)
	if err != nil {
		s.freeDescriptors(tdp)
		return err
	}
	ev.attach(tdp)
	l.finish(ev.Payload, &hdr)

	err = s.queue.SubmitAsync(ctx, sb, ev, 0)
	s.logResult(ev, err)

	// no rights on entry, none to get back
	s.release(ev, false)
	return err
}

// SendMount raises the mount event. The filesystem can't go away because the mount is
// blocked until the event is answered.
func (s *Sender) SendMount(ctx context.Context, r *MountRequest) error {
	var tdp1, tdp2, tdp3 *Descriptor
	var err error

	if tdp1, err = s.sbData(r.Sb, r.Root, r.SbRight); err != nil {
		return err
	}
	dir := r.Dir
	if !IsDMAPIInode(dir) {
		dir = nil // mounting on a non-DMAPI filesystem
	} else if tdp2, err = s.inodeData(dir, r.DirRight, true); err != nil {
		s.freeDescriptors(tdp1)
		return err
	}
	if tdp3, err = s.inodeData(r.Root, r.RootRight, true); err != nil {
		s.freeDescriptors(tdp1, tdp2)
		return err
	}

	var hdr MountEventHdr
	l := newLayout(MountHdrSize)
	l.add(&hdr.Handle1, tdp1.handleBytes())
	if dir != nil {
		l.add(&hdr.Handle2, tdp2.handleBytes())
	}
	// both names are always present, an empty one as a lone NUL
	l.add(&hdr.Name1, cstr(r.MountPath))
	l.add(&hdr.Name2, cstr(r.Device))
	l.add(&hdr.RootHandle, tdp3.handleBytes())

	ev, err := s.newEvent(EventMount, l)
	if err != nil {
		s.freeDescriptors(tdp1, tdp2, tdp3)
		return err
	}
	ev.attach(tdp1)
	if dir != nil {
		ev.attach(tdp2)
	}
	ev.attach(tdp3)

	if r.Sb.ReadOnly() {
		hdr.Mode = MountRdonly
	}
	l.finish(ev.Payload, &hdr)

	err = s.queue.SubmitMount(ctx, r.Sb, ev)
	s.logResult(ev, err)
	s.release(ev, err == nil)
	return err
}

// SendUnmount updates the filesystem state for a completed or failed unmount and raises
// the unmount event. After a successful unmount the handle in the event can't be used
// for anything. The event is never waited for and delivery errors are ignored.
func (s *Sender) SendUnmount(ctx context.Context, r *UnmountRequest) {
	if r.Retcode != 0 {
		s.changeState(r.Sb, StateMounted)
	} else {
		s.changeState(r.Sb, StateUnmounted)
	}

	if r.Flags&FlagUnwanted != 0 {
		if r.Retcode == 0 {
			s.removeEntry(r.Sb)
		}
		return
	}

	tdp1, err := s.sbData(r.Sb, r.Root, r.SbRight)
	if err != nil {
		return
	}

	var hdr NamespEventHdr
	l := newLayout(NamespHdrSize)
	l.add(&hdr.Handle1, tdp1.handleBytes())
	ev, err := s.newEvent(EventUnmount, l)
	if err != nil {
		s.freeDescriptors(tdp1)
		return
	}
	ev.attach(tdp1)
	hdr.Mode = r.Mode
	hdr.Retcode = r.Retcode
	l.finish(ev.Payload, &hdr)

	err = s.queue.SubmitAsync(ctx, r.Sb, ev, r.Flags)
	s.logResult(ev, err)

	if r.Retcode == 0 {
		s.removeEntry(r.Sb)
	}
	s.release(ev, true)
}

// SendNamesp raises a namespace event, waiting for the reply if the event is synchronous.
// The caller must hold a reference on at least one inode of the filesystem.
func (s *Sender) SendNamesp(ctx context.Context, r *NamespRequest) error {
	if r.Event.kind() != kindNamesp || r.Event == EventUnmount {
		return fmt.Errorf("%v is not a namespace event: %w", r.Event, ErrInval)
	}
	sb := r.Sb
	if sb == nil {
		sb = r.Inode1.Superblock()
	}

	var tdp1, tdp2 *Descriptor
	var err error

	switch r.Event {
	case EventPreunmount:
		// filesystem handle first, root directory second. Right1 is the filesystem right.
		if r.Flags&FlagUnwanted != 0 {
			s.changeState(sb, StateUnmounting)
			return nil
		}
		if r.Inode1 == nil {
			// too late, nothing left to build an event from
			return nil
		}
		if r.Inode2 == nil {
			return fmt.Errorf("preunmount without root directory: %w", ErrInval)
		}
		if tdp1, err = s.sbData(sb, r.Inode1, r.Right1); err != nil {
			return err
		}
	case EventNospace:
		// Right1 is the filesystem right; the inode is extra context.
		if r.Inode2 == nil {
			return fmt.Errorf("nospace without inode: %w", ErrInval)
		}
		if tdp1, err = s.sbData(sb, r.Inode1, r.Right1); err != nil {
			return err
		}
	default:
		if tdp1, err = s.inodeData(r.Inode1, r.Right1, true); err != nil {
			return err
		}
	}
	if r.Inode2 != nil {
		if tdp2, err = s.inodeData(r.Inode2, r.Right2, true); err != nil {
			s.freeDescriptors(tdp1)
			return err
		}
	}

	var hdr NamespEventHdr
	l := newLayout(NamespHdrSize)
	l.add(&hdr.Handle1, tdp1.handleBytes())
	if tdp2 != nil {
		l.add(&hdr.Handle2, tdp2.handleBytes())
	}
	if r.Name1 != "" {
		l.add(&hdr.Name1, cstr(r.Name1))
	}
	if r.Name2 != "" {
		l.add(&hdr.Name2, cstr(r.Name2))
	}

	ev, err := s.newEvent(r.Event, l)
	if err != nil {
		s.freeDescriptors(tdp1, tdp2)
		return err
	}
	ev.attach(tdp1)
	if tdp2 != nil {
		ev.attach(tdp2)
	}
	hdr.Mode = r.Mode
	hdr.Retcode = r.Retcode
	l.finish(ev.Payload, &hdr)

	if r.Event.Sync() {
		err = s.queue.SubmitAndWait(ctx, sb, ev, r.Flags)
	} else {
		err = s.queue.SubmitAsync(ctx, sb, ev, r.Flags)
	}
	s.logResult(ev, err)
	s.release(ev, err == nil)

	if err == nil && r.Event == EventPreunmount {
		s.changeState(sb, StateUnmounting)
	}
	return err
}

// newUserEvent allocates a user event and copies the message into it.
func (s *Sender) newUserEvent(length int, data io.Reader) (*Event, error) {
	if length > MaxMsgData {
		return nil, ErrTooBig
	} else if length < 0 {
		return nil, ErrInval
	}

	l := newLayout(0)
	off := l.reserve(length)
	ev, err := s.newEvent(EventUser, l)
	if err != nil {
		return nil, err
	}
	if length > 0 {
		if data == nil {
			s.release(ev, false)
			return nil, ErrFault
		} else if _, err := io.ReadFull(data, ev.Payload[off:off+length]); err != nil {
			s.release(ev, false)
			return nil, ErrFault
		}
	}
	return ev, nil
}

// SendMsg sends a user message to a session. Synchronous messages wait for the reply.
func (s *Sender) SendMsg(ctx context.Context, r *MsgRequest) error {
	var sync bool
	if r.Length > MaxMsgData {
		return ErrTooBig
	}
	switch r.Type {
	case MsgSync:
		sync = true
	case MsgAsync:
		sync = false
	default:
		return ErrInval
	}

	ev, err := s.newUserEvent(r.Length, r.Data)
	if err != nil {
		return err
	}

	err = s.queue.SubmitMsg(ctx, r.Session, ev, sync)
	s.logResult(ev, err)
	s.release(ev, err == nil)
	return err
}

// CreateUserEvent registers a user message as a new outstanding event of the session and
// returns its token.
func (s *Sender) CreateUserEvent(ctx context.Context, r *UserEventRequest) (Token, error) {
	ev, err := s.newUserEvent(r.Length, r.Data)
	if err != nil {
		return 0, err
	}

	token, err := s.queue.SubmitUserEvent(ctx, r.Session, ev)
	s.logResult(ev, err)
	s.release(ev, err == nil)
	if err != nil {
		return 0, err
	}
	return token, nil
}
