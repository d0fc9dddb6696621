package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dnr/dmapi/dmapi"
)

const testBootstrap = `
filesystems:
  - fsid: "0000000000000001"
    no_dmapi: true
    mount:
      path: /
    dirs: [/hsm]
  - fsid: "0a0a0a0a0a0a0a0a"
    capacity: 4096
    events: [create, remove, destroy]
    destroy_attr: hsm
    mount:
      path: /hsm
      device: tape0
      on_fsid: "0000000000000001"
      on_path: /hsm
    dirs: [/archive, /archive/2024]
  - fsid: "0b0b0b0b0b0b0b0b"
    read_only: true
`

func TestParseBootstrap(t *testing.T) {
	r := require.New(t)
	cfg, err := parseBootstrap([]byte(testBootstrap))
	r.NoError(err)
	r.Len(cfg.Filesystems, 3)

	b := cfg.Filesystems[1]
	r.Equal("0a0a0a0a0a0a0a0a", b.Fsid)
	r.EqualValues(4096, b.Capacity)
	r.Equal([]string{"create", "remove", "destroy"}, b.Events)
	r.Equal("hsm", b.DestroyAttr)
	r.Equal("tape0", b.Mount.Device)
	r.Equal("/hsm", b.Mount.OnPath)
	r.True(cfg.Filesystems[2].ReadOnly)
	r.Nil(cfg.Filesystems[2].Mount)

	_, err = parseBootstrap([]byte("filesystems:\n  - fsid: 01\n    bogus: 1\n"))
	r.Error(err)
}

func TestLoadBootstrap(t *testing.T) {
	r := require.New(t)
	s := newTestServer(t)
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	r.NoError(os.WriteFile(path, []byte(testBootstrap), 0o644))

	r.NoError(s.loadBootstrap(context.Background(), path))
	r.Equal(3, s.filesystems.Len())

	ent, err := s.getFs(testFsidA)
	r.NoError(err)
	r.True(ent.fs.Mounted())
	names, err := ent.fs.List("/archive")
	r.NoError(err)
	r.Equal([]string{"2024"}, names)

	// only the dmapi filesystem is in the table
	infos, err := s.table.List()
	r.NoError(err)
	r.Len(infos, 1)
	r.Equal(testFsidA, infos[0].Fsid)
	r.Equal("hsm", infos[0].DestroyAttr)
	r.Equal([]string{"create", "remove", "destroy"}, infos[0].Events)

	ro, err := s.getFs(testFsidB)
	r.NoError(err)
	r.False(ro.fs.Mounted())
	r.True(ro.fs.ReadOnly())

	// loading again collides with the existing filesystems
	r.Error(s.loadBootstrap(context.Background(), path))
	r.Error(s.loadBootstrap(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")))

	st, err := s.table.State(mustFsid(t, testFsidA))
	r.NoError(err)
	r.Equal(dmapi.StateMounted, st)
}
