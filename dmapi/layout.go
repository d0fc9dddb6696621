package dmapi

import "github.com/dnr/dmapi/common"

type (
	// layout places the variable-length fields of a payload after its header. Fields are
	// added in the declared order for the event type, then the payload size is known
	// before anything is allocated.
	layout struct {
		hdrSize int
		cursor  int
		fields  []layoutField
	}

	layoutField struct {
		vd   *VarData
		data []byte
	}
)

func newLayout(hdrSize int) *layout {
	return &layout{hdrSize: hdrSize, cursor: hdrSize}
}

// add places data at the cursor and records its position in vd. Empty data gets (0,0)
// and takes no space.
func (l *layout) add(vd *VarData, data []byte) {
	if len(data) == 0 {
		*vd = VarData{}
		return
	}
	*vd = VarData{Offset: common.TruncU32(l.cursor), Length: common.TruncU32(len(data))}
	l.cursor += len(data)
	l.fields = append(l.fields, layoutField{vd: vd, data: data})
}

// reserve makes room for n bytes that will be copied in after allocation.
func (l *layout) reserve(n int) int {
	off := l.cursor
	l.cursor += n
	return off
}

func (l *layout) size() int { return l.cursor }

// finish writes the header and all fields into the payload.
func (l *layout) finish(buf []byte, hdr any) {
	if len(buf) != l.cursor {
		panic("payload size does not match layout")
	}
	if hdr != nil {
		packHeader(buf[:l.hdrSize], hdr)
	}
	for _, f := range l.fields {
		copy(buf[f.vd.Offset:], f.data)
	}
}

// cstr is name as a NUL-terminated string, cut at an embedded NUL like strlen would.
func cstr(name string) []byte {
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			name = name[:i]
			break
		}
	}
	b := make([]byte, len(name)+1)
	copy(b, name)
	return b
}
