package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dnr/dmapi/dmapi"
	"github.com/dnr/dmapi/memfs"
)

const (
	testFsidA = "0a0a0a0a0a0a0a0a"
	testFsidB = "0b0b0b0b0b0b0b0b"
)

// newTestServer returns a server with its table and sender set up but no sockets.
func newTestServer(t *testing.T) *server {
	s := NewServer(Config{
		StateDir:   t.TempDir(),
		MaxWaiters: 16,
		Log:        zaptest.NewLogger(t),
	})
	require.NoError(t, s.setupEnv())
	require.NoError(t, s.openDb())
	s.sender = s.newSender()
	t.Cleanup(func() { s.db.Close() })
	return s
}

func newTestFs(t *testing.T, s *server, fsid string) *fsEntry {
	f, err := parseFsid(fsid)
	require.NoError(t, err)
	ent, err := s.newFs(f, &FsNewReq{Fsid: fsid})
	require.NoError(t, err)
	return ent
}

func mountTestFs(t *testing.T, s *server, fsid string) *fsEntry {
	ent := newTestFs(t, s, fsid)
	require.NoError(t, s.mountFs(context.Background(), ent, memfs.MountOpts{Path: "/mnt/" + fsid}))
	return ent
}

func mustFsid(t *testing.T, fsid string) dmapi.Fsid {
	f, err := parseFsid(fsid)
	require.NoError(t, err)
	return f
}

// nextEvent waits for one event for sid.
func nextEvent(t *testing.T, s *server, sid dmapi.SessionID) dmapi.EventMsg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := s.GetEvents(ctx, sid, 1, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func decode(t *testing.T, m dmapi.EventMsg) *dmapi.Decoded {
	d, err := dmapi.Decode(m.Type, m.Payload)
	require.NoError(t, err)
	return d
}

// async runs f in the background and returns a channel with its result.
func async(f func() error) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- f() }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation")
		return nil
	}
}
