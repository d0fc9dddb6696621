package dmapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/lunixbochs/struc"
)

type (
	// Decoded is a parsed event payload.
	Decoded struct {
		Type EventType
		// Header is a *DataEventHdr, *DestroyEventHdr, *MountEventHdr or *NamespEventHdr, or
		// nil for user events.
		Header any
		Fields []Field
		// User is the message of a user event.
		User []byte
	}

	// Field is one variable-length field of a payload. Absent fields are not included.
	Field struct {
		Name string
		VarData
		Data []byte
	}
)

// Decode parses a payload of the given type, checking that every field lies within it.
func Decode(t EventType, payload []byte) (*Decoded, error) {
	d := &Decoded{Type: t}
	hdr := newHeader(t)
	if hdr == nil {
		if t != EventUser {
			return nil, fmt.Errorf("no payload format for %v", t)
		}
		d.User = payload
		return d, nil
	}

	hsize := t.HeaderSize()
	if len(payload) < hsize {
		return nil, fmt.Errorf("%v payload is %d bytes, header needs %d", t, len(payload), hsize)
	}
	if err := struc.Unpack(bytes.NewReader(payload[:hsize]), hdr); err != nil {
		return nil, err
	}
	d.Header = hdr

	var names []string
	var vds []VarData
	switch h := hdr.(type) {
	case *DataEventHdr:
		names, vds = []string{"handle"}, []VarData{h.Handle}
	case *DestroyEventHdr:
		names, vds = []string{"handle", "attrcopy"}, []VarData{h.Handle, h.AttrCopy}
	case *MountEventHdr:
		names = []string{"handle1", "handle2", "name1", "name2", "roothandle"}
		vds = []VarData{h.Handle1, h.Handle2, h.Name1, h.Name2, h.RootHandle}
	case *NamespEventHdr:
		names = []string{"handle1", "handle2", "name1", "name2"}
		vds = []VarData{h.Handle1, h.Handle2, h.Name1, h.Name2}
	}

	for i, vd := range vds {
		if vd.Length == 0 {
			if vd.Offset != 0 {
				return nil, fmt.Errorf("%s: empty field with offset %d", names[i], vd.Offset)
			}
			continue
		}
		end := uint64(vd.Offset) + uint64(vd.Length)
		if int(vd.Offset) < hsize || end > uint64(len(payload)) {
			return nil, fmt.Errorf("%s: field [%d,%d) outside payload of %d bytes",
				names[i], vd.Offset, end, len(payload))
		}
		d.Fields = append(d.Fields, Field{Name: names[i], VarData: vd, Data: payload[vd.Offset:end]})
	}
	return d, nil
}

// Field returns the named field, or nil if it's absent.
func (d *Decoded) Field(name string) *Field {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// Handle parses the named field as a handle.
func (d *Decoded) Handle(name string) (Handle, bool) {
	f := d.Field(name)
	if f == nil {
		return Handle{}, false
	}
	h, err := ParseHandle(f.Data)
	return h, err == nil
}

// Name returns the named field as a string without its terminating NUL.
func (d *Decoded) Name(name string) string {
	f := d.Field(name)
	if f == nil {
		return ""
	}
	return string(bytes.TrimRight(f.Data, "\x00"))
}

// Summary is a one-line description for logs and the command line.
func (d *Decoded) Summary() string {
	var b strings.Builder
	b.WriteString(d.Type.String())
	switch h := d.Header.(type) {
	case *DataEventHdr:
		fmt.Fprintf(&b, " off=%d len=%d", h.Offset, h.Length)
	case *DestroyEventHdr:
		if an := AttrName(h.AttrName); !an.IsZero() {
			fmt.Fprintf(&b, " attr=%s", an)
		}
	case *MountEventHdr:
		fmt.Fprintf(&b, " mode=%#x", h.Mode)
	case *NamespEventHdr:
		fmt.Fprintf(&b, " mode=%#o ret=%d", h.Mode, h.Retcode)
	case nil:
		fmt.Fprintf(&b, " msg=%q", d.User)
	}
	for _, f := range d.Fields {
		if strings.HasPrefix(f.Name, "name") {
			fmt.Fprintf(&b, " %s=%q", f.Name, d.Name(f.Name))
		} else if strings.HasSuffix(f.Name, "handle") || strings.HasPrefix(f.Name, "handle") {
			fmt.Fprintf(&b, " %s=%x", f.Name, f.Data)
		} else {
			fmt.Fprintf(&b, " %s=%q", f.Name, f.Data)
		}
	}
	return b.String()
}
