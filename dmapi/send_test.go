package dmapi

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	modeReg = unix.S_IFREG | 0644
	modeDir = unix.S_IFDIR | 0755
)

func TestSendData(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(1)
	ip := sb.inode(100, modeReg)

	err := e.s.SendData(context.Background(), &DataRequest{
		Event:  EventWrite,
		Inode:  ip,
		Right:  RightShared,
		Offset: 4096,
		Length: 512,
		Flags:  FlagNoDelay,
	})
	r.NoError(err)

	sub := e.q.last()
	r.Equal("wait", sub.method)
	r.Equal(EventWrite, sub.typ)
	r.Equal(FlagNoDelay, sub.flags)
	r.Len(sub.payload, DataHdrSize+HandleSize)
	r.Len(sub.objects, 1)
	r.Equal(ObjReg, sub.objects[0].Type)
	r.Equal(DescOrig|DescEvtRef, sub.objects[0].Flags)

	d, err := Decode(EventWrite, sub.payload)
	r.NoError(err)
	hdr := d.Header.(*DataEventHdr)
	r.EqualValues(4096, hdr.Offset)
	r.EqualValues(512, hdr.Length)
	r.Equal(VarData{Offset: DataHdrSize, Length: HandleSize}, hdr.Handle)
	h, ok := d.Handle("handle")
	r.True(ok)
	r.Equal(ip.handle(), h)

	r.Equal([]Right{RightShared}, ip.rights)
	r.Zero(e.alloc.outstanding())
}

func TestSendDataFailureDropsRights(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	e.q.err = unix.EINTR
	ip := newTestSb(1).inode(7, modeReg)

	err := e.s.SendData(context.Background(), &DataRequest{Event: EventRead, Inode: ip, Right: RightExcl})
	r.ErrorIs(err, unix.EINTR)
	r.Equal(-int(unix.EINTR), Status(err))
	r.Equal([]Right{RightNull}, ip.rights)
	r.Zero(e.alloc.outstanding())
}

func TestSendDataNoMem(t *testing.T) {
	r := require.New(t)
	ip := newTestSb(1).inode(7, modeReg)
	req := &DataRequest{Event: EventTruncate, Inode: ip}

	e := newTestEnv()
	e.alloc.descFailAt = 1
	r.ErrorIs(e.s.SendData(context.Background(), req), ErrNoMem)
	r.Empty(e.q.subs)
	r.Zero(e.alloc.outstanding())

	e = newTestEnv()
	e.alloc.failPayload = true
	r.ErrorIs(e.s.SendData(context.Background(), req), ErrNoMem)
	r.Empty(e.q.subs)
	r.Equal(1, e.alloc.descAllocs)
	r.Zero(e.alloc.outstanding())
	r.Empty(ip.rights)
}

func TestSendDataBadEvent(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	ip := newTestSb(1).inode(7, modeReg)
	r.ErrorIs(e.s.SendData(context.Background(), &DataRequest{Event: EventCreate, Inode: ip}), ErrInval)
}

func TestInodeDataPanics(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()

	sb := newTestSb(1)
	sb.ops = nil
	r.Panics(func() {
		e.s.SendData(context.Background(), &DataRequest{Event: EventRead, Inode: sb.inode(1, modeReg)})
	})

	sb = newTestSb(2)
	sb.ops.failHandle = true
	r.Panics(func() {
		e.s.SendData(context.Background(), &DataRequest{Event: EventRead, Inode: sb.inode(1, modeReg)})
	})
}

func TestSendDestroy(t *testing.T) {
	r := require.New(t)
	sb := newTestSb(3)
	sb.ops.attrs = map[uint64][]byte{10: []byte("tape:0042")}
	withAttr := sb.inode(10, modeReg)
	noAttr := sb.inode(11, modeReg)

	t.Run("present", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		e.table.attr, _ = MakeAttrName("dmi_ret")
		r.NoError(e.s.SendDestroy(context.Background(), &DestroyRequest{Inode: withAttr}))

		sub := e.q.last()
		r.Equal("async", sub.method)
		d, err := Decode(EventDestroy, sub.payload)
		r.NoError(err)
		hdr := d.Header.(*DestroyEventHdr)
		r.Equal("dmi_ret", AttrName(hdr.AttrName).String())
		r.Equal("tape:0042", string(d.Field("attrcopy").Data))
		r.Len(sub.payload, DestroyHdrSize+HandleSize+len("tape:0042"))
		r.Zero(sub.objects[0].Flags & DescEvtRef)
		r.Nil(sub.objects[0].Inode)
		r.Empty(withAttr.rights)
		r.Zero(e.alloc.outstanding())
	})

	t.Run("absent", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		e.table.attr, _ = MakeAttrName("dmi_ret")
		r.NoError(e.s.SendDestroy(context.Background(), &DestroyRequest{Inode: noAttr}))

		d, err := Decode(EventDestroy, e.q.last().payload)
		r.NoError(err)
		hdr := d.Header.(*DestroyEventHdr)
		r.True(AttrName(hdr.AttrName).IsZero())
		r.Equal(VarData{}, hdr.AttrCopy)
		r.Nil(d.Field("attrcopy"))
	})

	t.Run("present empty", func(t *testing.T) {
		r := require.New(t)
		esb := newTestSb(5)
		esb.ops.attrs = map[uint64][]byte{10: {}}
		e := newTestEnv()
		e.table.attr, _ = MakeAttrName("dmi_ret")
		r.NoError(e.s.SendDestroy(context.Background(), &DestroyRequest{Inode: esb.inode(10, modeReg)}))

		sub := e.q.last()
		d, err := Decode(EventDestroy, sub.payload)
		r.NoError(err)
		hdr := d.Header.(*DestroyEventHdr)
		r.Equal("dmi_ret", AttrName(hdr.AttrName).String())
		r.Equal(VarData{}, hdr.AttrCopy)
		r.Nil(d.Field("attrcopy"))
		r.Len(sub.payload, DestroyHdrSize+HandleSize)
	})

	t.Run("unconfigured", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		calls := sb.ops.attrCalls
		r.NoError(e.s.SendDestroy(context.Background(), &DestroyRequest{Inode: withAttr}))
		r.Equal(calls, sb.ops.attrCalls)
		r.Len(e.q.last().payload, DestroyHdrSize+HandleSize)
	})

	t.Run("lookup error", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		e.table.attr, _ = MakeAttrName("dmi_ret")
		esb := newTestSb(4)
		esb.ops.attrErr = unix.EIO
		err := e.s.SendDestroy(context.Background(), &DestroyRequest{Inode: esb.inode(1, modeReg)})
		r.ErrorIs(err, unix.EIO)
		r.Empty(e.q.subs)
		r.Zero(e.alloc.descAllocs)
		r.Zero(e.alloc.payAllocs)
	})

	r.Equal(2, sb.ops.attrCalls)
}

func TestSendMount(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(5)
	sb.ro = true
	root := sb.inode(1, modeDir)
	dir := newTestSb(6).inode(55, modeDir)

	err := e.s.SendMount(context.Background(), &MountRequest{
		Sb:        sb,
		SbRight:   RightExcl,
		Dir:       dir,
		DirRight:  RightShared,
		Root:      root,
		RootRight: RightShared,
		MountPath: "/mnt",
		Device:    "/dev/sda1",
	})
	r.NoError(err)

	sub := e.q.last()
	r.Equal("mount", sub.method)
	r.Len(sub.payload, MountHdrSize+FsHandleSize+HandleSize+5+10+HandleSize)
	r.Len(sub.objects, 3)
	r.Equal(ObjVFS, sub.objects[2].Type)

	d, err := Decode(EventMount, sub.payload)
	r.NoError(err)
	hdr := d.Header.(*MountEventHdr)
	r.Equal(MountRdonly, hdr.Mode)
	r.Equal(VarData{Offset: 44, Length: 8}, hdr.Handle1)
	r.Equal(VarData{Offset: 52, Length: 24}, hdr.Handle2)
	r.Equal(VarData{Offset: 76, Length: 5}, hdr.Name1)
	r.Equal(VarData{Offset: 81, Length: 10}, hdr.Name2)
	r.Equal(VarData{Offset: 91, Length: 24}, hdr.RootHandle)
	r.Equal("/mnt", d.Name("name1"))
	r.Equal("/dev/sda1", d.Name("name2"))
	h, ok := d.Handle("handle1")
	r.True(ok)
	r.True(h.IsFs())
	r.Equal(sb.fsid, h.Fsid)
	h, _ = d.Handle("roothandle")
	r.Equal(root.handle(), h)

	r.Equal([]Right{RightExcl}, sb.rights)
	r.Equal([]Right{RightShared}, dir.rights)
	r.Equal([]Right{RightShared}, root.rights)
	r.Zero(e.alloc.outstanding())
}

func TestSendMountNonDMAPIDir(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(5)
	other := newTestSb(6)
	other.ops = nil

	err := e.s.SendMount(context.Background(), &MountRequest{
		Sb:        sb,
		Dir:       other.inode(55, modeDir),
		Root:      sb.inode(1, modeDir),
		MountPath: "/mnt",
	})
	r.NoError(err)

	sub := e.q.last()
	r.Len(sub.objects, 2)
	d, err := Decode(EventMount, sub.payload)
	r.NoError(err)
	hdr := d.Header.(*MountEventHdr)
	r.Zero(hdr.Mode)
	r.Equal(VarData{}, hdr.Handle2)
	r.Nil(d.Field("handle2"))
	// no device name is still written, as a lone NUL
	r.Equal(VarData{Offset: 52, Length: 5}, hdr.Name1)
	r.Equal(VarData{Offset: 57, Length: 1}, hdr.Name2)
	r.Equal(VarData{Offset: 58, Length: 24}, hdr.RootHandle)
	r.Equal([]byte{0}, d.Field("name2").Data)
	r.Empty(d.Name("name2"))
	r.Len(sub.payload, MountHdrSize+FsHandleSize+5+1+HandleSize)
}

func TestSendMountNoMem(t *testing.T) {
	r := require.New(t)
	sb := newTestSb(5)
	req := &MountRequest{Sb: sb, Dir: sb.inode(2, modeDir), Root: sb.inode(1, modeDir)}

	for i := 1; i <= 3; i++ {
		e := newTestEnv()
		e.alloc.descFailAt = i
		r.ErrorIs(e.s.SendMount(context.Background(), req), ErrNoMem)
		r.Equal(i-1, e.alloc.descAllocs)
		r.Zero(e.alloc.outstanding())
	}

	e := newTestEnv()
	e.alloc.failPayload = true
	r.ErrorIs(e.s.SendMount(context.Background(), req), ErrNoMem)
	r.Zero(e.alloc.outstanding())
	r.Empty(e.q.subs)
}

func TestSendUnmount(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		sb := newTestSb(7)
		e.s.SendUnmount(context.Background(), &UnmountRequest{Sb: sb, SbRight: RightExcl, Mode: 1})

		r.Equal([]FsState{StateUnmounted}, e.table.states)
		r.Equal(1, e.table.removed)
		sub := e.q.last()
		r.Equal("async", sub.method)
		d, err := Decode(EventUnmount, sub.payload)
		r.NoError(err)
		hdr := d.Header.(*NamespEventHdr)
		r.Equal(VarData{Offset: NamespHdrSize, Length: FsHandleSize}, hdr.Handle1)
		r.Equal(VarData{}, hdr.Handle2)
		r.EqualValues(1, hdr.Mode)
		r.Zero(hdr.Retcode)
		r.Empty(sb.rights)
		r.Zero(e.alloc.outstanding())
	})

	t.Run("failure", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		sb := newTestSb(7)
		e.q.err = unix.EIO
		e.s.SendUnmount(context.Background(), &UnmountRequest{
			Sb:      sb,
			Root:    sb.inode(1, modeDir),
			SbRight: RightShared,
			Retcode: int32(unix.EBUSY),
		})

		r.Equal([]FsState{StateMounted}, e.table.states)
		r.Zero(e.table.removed)
		d, err := Decode(EventUnmount, e.q.last().payload)
		r.NoError(err)
		r.Equal(int32(unix.EBUSY), d.Header.(*NamespEventHdr).Retcode)
		// rights come back even though delivery failed
		r.Equal([]Right{RightShared}, sb.rights)
		r.Zero(e.alloc.outstanding())
	})

	t.Run("unwanted", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		e.s.SendUnmount(context.Background(), &UnmountRequest{Sb: newTestSb(7), Flags: FlagUnwanted})
		r.Equal([]FsState{StateUnmounted}, e.table.states)
		r.Equal(1, e.table.removed)
		r.Empty(e.q.subs)

		e = newTestEnv()
		e.s.SendUnmount(context.Background(), &UnmountRequest{Sb: newTestSb(7), Flags: FlagUnwanted, Retcode: 16})
		r.Equal([]FsState{StateMounted}, e.table.states)
		r.Zero(e.table.removed)
	})

	t.Run("no memory", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		e.alloc.failPayload = true
		e.s.SendUnmount(context.Background(), &UnmountRequest{Sb: newTestSb(7)})
		r.Equal([]FsState{StateUnmounted}, e.table.states)
		r.Empty(e.q.subs)
		r.Zero(e.alloc.outstanding())
	})
}

func TestSendNamespCreate(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(8)
	parent := sb.inode(2, modeDir)
	file := sb.inode(40, modeReg)

	err := e.s.SendNamesp(context.Background(), &NamespRequest{
		Event:  EventCreate,
		Inode1: parent,
		Right1: RightExcl,
		Inode2: file,
		Right2: RightShared,
		Name1:  "foo.txt",
		Mode:   0644,
	})
	r.NoError(err)

	sub := e.q.last()
	r.Equal("wait", sub.method)
	r.Len(sub.payload, NamespHdrSize+2*HandleSize+8)
	r.Len(sub.objects, 2)
	r.Equal(ObjReg, sub.objects[0].Type)
	r.Equal(ObjDir, sub.objects[1].Type)

	d, err := Decode(EventCreate, sub.payload)
	r.NoError(err)
	hdr := d.Header.(*NamespEventHdr)
	r.EqualValues(0644, hdr.Mode)
	r.Zero(hdr.Retcode)
	r.Equal(VarData{Offset: 40, Length: 24}, hdr.Handle1)
	r.Equal(VarData{Offset: 64, Length: 24}, hdr.Handle2)
	r.Equal(VarData{Offset: 88, Length: 8}, hdr.Name1)
	r.Equal(VarData{}, hdr.Name2)
	r.Equal([]byte("foo.txt\x00"), d.Field("name1").Data)
	r.Len(d.Fields, 3)

	h1, _ := d.Handle("handle1")
	h2, _ := d.Handle("handle2")
	r.Equal(parent.handle(), h1)
	r.Equal(file.handle(), h2)

	r.Equal([]Right{RightExcl}, parent.rights)
	r.Equal([]Right{RightShared}, file.rights)
	r.Zero(e.alloc.outstanding())
}

func TestSendNamespAsync(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(8)
	err := e.s.SendNamesp(context.Background(), &NamespRequest{
		Event:  EventPostrename,
		Inode1: sb.inode(2, modeDir),
		Inode2: sb.inode(3, modeDir),
		Name1:  "a",
		Name2:  "b\x00junk",
	})
	r.NoError(err)
	sub := e.q.last()
	r.Equal("async", sub.method)
	d, err := Decode(EventPostrename, sub.payload)
	r.NoError(err)
	r.Equal("a", d.Name("name1"))
	r.Equal([]byte("b\x00"), d.Field("name2").Data)
}

func TestSendNamespPreunmount(t *testing.T) {
	sb := newTestSb(9)
	root := sb.inode(1, modeDir)

	t.Run("unwanted", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		r.NoError(e.s.SendNamesp(context.Background(), &NamespRequest{
			Event: EventPreunmount, Sb: sb, Inode1: root, Flags: FlagUnwanted,
		}))
		r.Equal([]FsState{StateUnmounting}, e.table.states)
		r.Empty(e.q.subs)
	})

	t.Run("too late", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		r.NoError(e.s.SendNamesp(context.Background(), &NamespRequest{Event: EventPreunmount, Sb: sb}))
		r.Empty(e.table.states)
		r.Empty(e.q.subs)
	})

	t.Run("accepted", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		r.NoError(e.s.SendNamesp(context.Background(), &NamespRequest{
			Event: EventPreunmount, Sb: sb, Inode1: root, Right1: RightExcl, Inode2: root,
		}))
		r.Equal([]FsState{StateUnmounting}, e.table.states)
		d, err := Decode(EventPreunmount, e.q.last().payload)
		r.NoError(err)
		hdr := d.Header.(*NamespEventHdr)
		r.EqualValues(FsHandleSize, hdr.Handle1.Length)
		r.EqualValues(HandleSize, hdr.Handle2.Length)
	})

	t.Run("refused", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		e.q.err = unix.EBUSY
		err := e.s.SendNamesp(context.Background(), &NamespRequest{
			Event: EventPreunmount, Sb: sb, Inode1: root, Inode2: root,
		})
		r.ErrorIs(err, unix.EBUSY)
		r.Empty(e.table.states)
	})

	t.Run("no root directory", func(t *testing.T) {
		r := require.New(t)
		e := newTestEnv()
		err := e.s.SendNamesp(context.Background(), &NamespRequest{
			Event: EventPreunmount, Sb: sb, Inode1: root,
		})
		r.ErrorIs(err, ErrInval)
		r.Empty(e.table.states)
		r.Empty(e.q.subs)
		r.Zero(e.alloc.outstanding())
	})
}

func TestSendNamespNospace(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(10)
	root := sb.inode(1, modeDir)
	file := sb.inode(77, modeReg)

	r.NoError(e.s.SendNamesp(context.Background(), &NamespRequest{
		Event: EventNospace, Inode1: root, Right1: RightShared, Inode2: file,
	}))
	sub := e.q.last()
	r.Equal("wait", sub.method)
	r.Equal(sb, sub.sb)
	d, err := Decode(EventNospace, sub.payload)
	r.NoError(err)
	h1, _ := d.Handle("handle1")
	h2, _ := d.Handle("handle2")
	r.True(h1.IsFs())
	r.Equal(file.handle(), h2)
	r.Equal([]Right{RightShared}, sb.rights)

	e = newTestEnv()
	r.ErrorIs(e.s.SendNamesp(context.Background(), &NamespRequest{Event: EventNospace, Inode1: root}), ErrInval)
	r.Empty(e.q.subs)
	r.Zero(e.alloc.outstanding())
}

func TestSendNamespNoMem(t *testing.T) {
	r := require.New(t)
	sb := newTestSb(8)
	req := &NamespRequest{Event: EventLink, Inode1: sb.inode(2, modeDir), Inode2: sb.inode(3, modeReg), Name1: "x"}
	for i := 1; i <= 2; i++ {
		e := newTestEnv()
		e.alloc.descFailAt = i
		r.ErrorIs(e.s.SendNamesp(context.Background(), req), ErrNoMem)
		r.Zero(e.alloc.outstanding())
	}
	r.ErrorIs(newTestEnv().s.SendNamesp(context.Background(), &NamespRequest{Event: EventRead}), ErrInval)
	r.ErrorIs(newTestEnv().s.SendNamesp(context.Background(), &NamespRequest{Event: EventUnmount}), ErrInval)
}

func TestSendMsg(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	ctx := context.Background()

	msg := bytes.Repeat([]byte{'m'}, MaxMsgData)
	r.NoError(e.s.SendMsg(ctx, &MsgRequest{Session: 3, Type: MsgSync, Length: len(msg), Data: bytes.NewReader(msg)}))
	sub := e.q.last()
	r.Equal("msgsync", sub.method)
	r.EqualValues(3, sub.sid)
	r.Equal(msg, sub.payload)

	r.NoError(e.s.SendMsg(ctx, &MsgRequest{Session: 3, Type: MsgAsync, Length: 2, Data: strings.NewReader("hi")}))
	r.Equal("msgasync", e.q.last().method)

	n := len(e.q.subs)
	allocs := e.alloc.payAllocs
	err := e.s.SendMsg(ctx, &MsgRequest{Type: MsgSync, Length: MaxMsgData + 1, Data: bytes.NewReader(append(msg, 'x'))})
	r.ErrorIs(err, ErrTooBig)
	r.Equal(allocs, e.alloc.payAllocs)

	r.ErrorIs(e.s.SendMsg(ctx, &MsgRequest{Type: 9, Length: 1, Data: strings.NewReader("x")}), ErrInval)

	err = e.s.SendMsg(ctx, &MsgRequest{Type: MsgSync, Length: 10, Data: strings.NewReader("short")})
	r.ErrorIs(err, ErrFault)
	r.Len(e.q.subs, n)
	r.Zero(e.alloc.outstanding())

	// empty message
	r.NoError(e.s.SendMsg(ctx, &MsgRequest{Type: MsgAsync}))
	r.Empty(e.q.last().payload)
}

func TestCreateUserEvent(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	e.q.token = 42

	req := &UserEventRequest{Session: 5, Length: 5, Data: strings.NewReader("hello")}
	r.NoError(e.s.Send(context.Background(), req))
	r.EqualValues(42, req.Token)
	sub := e.q.last()
	r.Equal("userevent", sub.method)
	r.Equal("hello", string(sub.payload))
	r.Zero(e.alloc.outstanding())

	e.q.err = unix.EINVAL
	tok, err := e.s.CreateUserEvent(context.Background(), &UserEventRequest{Session: 99, Length: 1, Data: strings.NewReader("x")})
	r.ErrorIs(err, unix.EINVAL)
	r.Zero(tok)
	r.Zero(e.alloc.outstanding())
}

func TestSendDispatch(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	sb := newTestSb(12)
	ip := sb.inode(5, modeReg)
	ctx := context.Background()

	reqs := []Request{
		&DataRequest{Event: EventRead, Inode: ip},
		&DestroyRequest{Inode: ip},
		&MountRequest{Sb: sb, Root: sb.inode(1, modeDir)},
		&NamespRequest{Event: EventRemove, Inode1: sb.inode(1, modeDir), Name1: "f"},
		&MsgRequest{Type: MsgAsync},
		&UnmountRequest{Sb: sb},
	}
	for i, req := range reqs {
		r.NoError(e.s.Send(ctx, req))
		r.Equal(req.EventType(), e.q.subs[i].typ)
	}
	r.Zero(e.alloc.outstanding())
}

func TestPoolAllocatorLimit(t *testing.T) {
	r := require.New(t)
	a := NewPoolAllocator(100)
	_, err := a.AllocPayload(101)
	r.ErrorIs(err, ErrNoMem)
	b, err := a.AllocPayload(100)
	r.NoError(err)
	r.Len(b, 100)
}

func TestEventRefs(t *testing.T) {
	r := require.New(t)
	e := newTestEnv()
	ev, err := e.s.newEvent(EventUser, newLayout(4))
	r.NoError(err)
	ev.Hold()
	ev.Put()
	r.False(ev.Released())
	ev.Put()
	r.True(ev.Released())
	r.Nil(ev.Payload)
	r.Panics(ev.Put)
	r.Panics(ev.Hold)
}
