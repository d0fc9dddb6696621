package dmapi

import (
	"context"
	"sync"
)

type (
	testSb struct {
		fsid   Fsid
		ro     bool
		ops    *testOps
		rights []Right
	}

	testOps struct {
		attrs      map[uint64][]byte
		attrErr    error
		attrCalls  int
		failHandle bool
	}

	testInode struct {
		ino    uint64
		gen    uint32
		mode   uint32
		sb     *testSb
		rights []Right
	}

	submitted struct {
		method  string
		sb      Superblock
		sid     SessionID
		typ     EventType
		flags   Flags
		payload []byte
		objects []Descriptor
	}

	testQueue struct {
		mu    sync.Mutex
		subs  []submitted
		err   error
		token Token
	}

	testTable struct {
		states   []FsState
		removed  int
		attr     AttrName
		attrErr  error
		stateErr error
	}

	// countingAllocator tracks outstanding allocations and can fail on demand.
	countingAllocator struct {
		inner *PoolAllocator

		descFailAt  int // fail the nth descriptor allocation (1-based), 0 for never
		failPayload bool

		descAllocs, descFrees int
		payAllocs, payFrees   int
	}
)

func newTestSb(fsid byte) *testSb {
	return &testSb{fsid: Fsid{fsid, 0xfe, 0, 0, 0, 0, 0, 0x11}, ops: &testOps{}}
}

func (sb *testSb) DMAPIOps() FsOps {
	if sb.ops == nil {
		return nil
	}
	return sb.ops
}
func (sb *testSb) ReadOnly() bool { return sb.ro }
func (sb *testSb) SetRight(r Right) { sb.rights = append(sb.rights, r) }
func (sb *testSb) inode(ino uint64, mode uint32) *testInode {
	return &testInode{ino: ino, gen: uint32(ino) * 3, mode: mode, sb: sb}
}

func (o *testOps) GetFsid(sb Superblock) Fsid { return sb.(*testSb).fsid }

func (o *testOps) InodeToHandle(ip Inode) (Handle, error) {
	if o.failHandle {
		return Handle{}, ErrInval
	}
	ti := ip.(*testInode)
	return NewFileHandle(ti.sb.fsid, ti.ino, ti.gen), nil
}

func (o *testOps) GetDestroyAttr(ip Inode, right Right, name AttrName) ([]byte, error) {
	o.attrCalls++
	if o.attrErr != nil {
		return nil, o.attrErr
	}
	if v, ok := o.attrs[ip.(*testInode).ino]; ok {
		return v, nil
	}
	return nil, ErrNoData
}

func (ti *testInode) Mode() uint32 { return ti.mode }
func (ti *testInode) Superblock() Superblock { return ti.sb }
func (ti *testInode) SetRight(r Right) { ti.rights = append(ti.rights, r) }
func (ti *testInode) handle() Handle { return NewFileHandle(ti.sb.fsid, ti.ino, ti.gen) }

func (q *testQueue) record(method string, sb Superblock, sid SessionID, ev *Event, flags Flags) error {
	if ev.Released() {
		panic("submitted released event")
	}
	s := submitted{
		method:  method,
		sb:      sb,
		sid:     sid,
		typ:     ev.Type,
		flags:   flags,
		payload: append([]byte(nil), ev.Payload...),
	}
	for _, o := range ev.Objects {
		s.objects = append(s.objects, *o)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, s)
	return q.err
}

func (q *testQueue) SubmitAndWait(ctx context.Context, sb Superblock, ev *Event, flags Flags) error {
	return q.record("wait", sb, 0, ev, flags)
}

func (q *testQueue) SubmitAsync(ctx context.Context, sb Superblock, ev *Event, flags Flags) error {
	return q.record("async", sb, 0, ev, flags)
}

func (q *testQueue) SubmitMount(ctx context.Context, sb Superblock, ev *Event) error {
	return q.record("mount", sb, 0, ev, 0)
}

func (q *testQueue) SubmitMsg(ctx context.Context, sid SessionID, ev *Event, sync bool) error {
	m := "msgasync"
	if sync {
		m = "msgsync"
	}
	return q.record(m, nil, sid, ev, 0)
}

func (q *testQueue) SubmitUserEvent(ctx context.Context, sid SessionID, ev *Event) (Token, error) {
	if err := q.record("userevent", nil, sid, ev, 0); err != nil {
		return 0, err
	}
	return q.token, nil
}

func (q *testQueue) last() submitted {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.subs[len(q.subs)-1]
}

func (t *testTable) ChangeState(sb Superblock, state FsState) error {
	t.states = append(t.states, state)
	return t.stateErr
}

func (t *testTable) Remove(sb Superblock) error {
	t.removed++
	return nil
}

func (t *testTable) DestroyAttrName(ctx context.Context, sb Superblock) (AttrName, error) {
	return t.attr, t.attrErr
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{inner: NewPoolAllocator(0)}
}

func (a *countingAllocator) AllocDescriptor() (*Descriptor, error) {
	if a.descFailAt > 0 && a.descAllocs+1 == a.descFailAt {
		a.descFailAt = 0
		return nil, ErrNoMem
	}
	a.descAllocs++
	return a.inner.AllocDescriptor()
}

func (a *countingAllocator) FreeDescriptor(d *Descriptor) {
	a.descFrees++
	a.inner.FreeDescriptor(d)
}

func (a *countingAllocator) AllocPayload(n int) ([]byte, error) {
	if a.failPayload {
		return nil, ErrNoMem
	}
	a.payAllocs++
	return a.inner.AllocPayload(n)
}

func (a *countingAllocator) FreePayload(b []byte) {
	a.payFrees++
	a.inner.FreePayload(b)
}

func (a *countingAllocator) outstanding() int {
	return a.descAllocs - a.descFrees + a.payAllocs - a.payFrees
}

type testEnv struct {
	s     *Sender
	q     *testQueue
	table *testTable
	alloc *countingAllocator
}

func newTestEnv() *testEnv {
	e := &testEnv{q: &testQueue{}, table: &testTable{}, alloc: newCountingAllocator()}
	e.s = NewSender(Config{Queue: e.q, FsTable: e.table, Allocator: e.alloc})
	return e
}
