package dmapi

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxPayload bounds a single event payload for PoolAllocator.
const DefaultMaxPayload = 64 << 10

type (
	// Event is one in-flight event record. The payload is sized exactly for the kind's
	// header plus its variable-length fields.
	Event struct {
		Type EventType
		// Objects are the attached descriptors, most recently attached first.
		Objects []*Descriptor
		Payload []byte

		alloc Allocator
		refs  atomic.Int32
	}

	// PoolAllocator recycles descriptors and bounds payload size.
	PoolAllocator struct {
		maxPayload int
		descPool   sync.Pool
	}
)

func NewPoolAllocator(maxPayload int) *PoolAllocator {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &PoolAllocator{
		maxPayload: maxPayload,
		descPool:   sync.Pool{New: func() any { return new(Descriptor) }},
	}
}

func (a *PoolAllocator) AllocDescriptor() (*Descriptor, error) {
	return a.descPool.Get().(*Descriptor), nil
}

func (a *PoolAllocator) FreeDescriptor(d *Descriptor) {
	*d = Descriptor{}
	a.descPool.Put(d)
}

func (a *PoolAllocator) AllocPayload(n int) ([]byte, error) {
	if n < 0 || n > a.maxPayload {
		return nil, ErrNoMem
	}
	return make([]byte, n), nil
}

func (a *PoolAllocator) FreePayload([]byte) {}

// attach links a descriptor into the event. The newest descriptor goes first.
func (ev *Event) attach(tdp *Descriptor) {
	ev.Objects = append(ev.Objects, nil)
	copy(ev.Objects[1:], ev.Objects)
	ev.Objects[0] = tdp
}

// Hold takes an extra reference on the event, for a queue that keeps it past Submit.
func (ev *Event) Hold() {
	if ev.refs.Add(1) <= 1 {
		panic("hold on released event")
	}
}

// Put drops a reference. The last one frees the descriptors and payload.
func (ev *Event) Put() {
	switch n := ev.refs.Add(-1); {
	case n > 0:
		return
	case n < 0:
		panic("event released twice")
	}
	for _, tdp := range ev.Objects {
		ev.alloc.FreeDescriptor(tdp)
	}
	ev.Objects = nil
	ev.alloc.FreePayload(ev.Payload)
	ev.Payload = nil
}

// Released reports whether the last reference is gone.
func (ev *Event) Released() bool { return ev.refs.Load() <= 0 }

// newEvent allocates a record with a zeroed payload of exactly l.size() bytes.
func (s *Sender) newEvent(t EventType, l *layout) (*Event, error) {
	buf, err := s.alloc.AllocPayload(l.size())
	if err != nil {
		s.log.Warn("event allocation failed")
		return nil, ErrNoMem
	}
	clear(buf)
	ev := &Event{Type: t, Payload: buf, alloc: s.alloc}
	ev.refs.Store(1)
	return ev, nil
}

// release drops the sender's reference once the queue is done with the event. If restore
// is set, the rights held on entry are handed back to the caller, otherwise the caller
// ends up with no rights on any object of the event.
func (s *Sender) release(ev *Event, restore bool) {
	for _, tdp := range ev.Objects {
		if restore {
			tdp.Right = tdp.OrigRight
		} else {
			tdp.Right = RightNull
		}
		if tdp.Flags&DescEvtRef == 0 {
			continue
		}
		var holder any = tdp.Inode
		if tdp.Type == ObjVFS {
			holder = tdp.Sb
		}
		if rh, ok := holder.(RightHolder); ok {
			rh.SetRight(tdp.Right)
		}
	}
	ev.Put()
}
