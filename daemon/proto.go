package daemon

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/dmapi"
)

var (
	// protocol is json over http over unix socket
	// socket is path.Join(StateDir, Socket)
	// accessible to root only!
	Socket = "dmapid.sock"

	SessionCreatePath  = "/session/create"
	SessionDestroyPath = "/session/destroy"
	SessionListPath    = "/session/list"
	DispositionPath    = "/session/disposition"
	GetEventsPath      = "/events/get"
	RespondPath        = "/events/respond"
	// websocket: ?session=N. Server sends StreamFrame, client sends RespondReq.
	EventStreamPath = "/events/stream"
	SendMsgPath        = "/msg/send"
	UserEventPath      = "/msg/userevent"
	FsListPath         = "/fs/list"
	FsEventsPath       = "/fs/events"
	FsDestroyAttrPath  = "/fs/destroyattr"
	StatsPath          = "/stats"

	// operations on in-memory filesystems
	FsNewPath      = "/fsop/new"
	FsMountPath    = "/fsop/mount"
	FsUnmountPath  = "/fsop/unmount"
	FsPinPath      = "/fsop/pin"
	FsCreatePath   = "/fsop/create"
	FsSymlinkPath  = "/fsop/symlink"
	FsLinkPath     = "/fsop/link"
	FsRemovePath   = "/fsop/remove"
	FsRenamePath   = "/fsop/rename"
	FsReadPath     = "/fsop/read"
	FsWritePath    = "/fsop/write"
	FsTruncatePath = "/fsop/truncate"
	FsSetXattrPath = "/fsop/setxattr"
	FsListDirPath  = "/fsop/list"

	MetricsPath = "/metrics"
)

type (
	Status struct {
		Success bool
		Error   string
		// Errno is set when the failure has a DMAPI status.
		Errno int `json:",omitempty"`
	}

	CreateSessionReq struct {
		Info string
	}
	CreateSessionResp struct {
		Status
		Session dmapi.SessionID
		// BootID changes every time the daemon starts. Sessions don't survive restarts.
		BootID string
	}

	DestroySessionReq struct {
		Session dmapi.SessionID
	}

	ListSessionsReq  struct{}
	ListSessionsResp struct {
		Status
		Sessions []SessionInfo
	}
	SessionInfo struct {
		Session     dmapi.SessionID
		Info        string
		Queued      int
		Outstanding int
	}

	DispositionReq struct {
		Session dmapi.SessionID
		// Fsid is hex. Empty means the global disposition, which is the only place mount
		// events can be requested.
		Fsid   string
		Events []string
	}

	GetEventsReq struct {
		Session dmapi.SessionID
		Max     int
		Wait    bool
	}
	GetEventsResp struct {
		Status
		Events []EventMsg
	}
	EventMsg struct {
		Type     string
		Token    dmapi.Token
		Sequence uint32
		Payload  []byte
		Summary  string
	}

	RespondReq struct {
		Session  dmapi.SessionID
		Token    dmapi.Token
		Response string // continue, abort or dontcare
		RetError int
	}

	StreamFrame struct {
		Event *EventMsg   `json:",omitempty"`
		// Error reports a failed response to Token.
		Error string      `json:",omitempty"`
		Token dmapi.Token `json:",omitempty"`
	}

	SendMsgReq struct {
		Session dmapi.SessionID
		Sync    bool
		Data    []byte
	}

	UserEventReq struct {
		Session dmapi.SessionID
		Data    []byte
	}
	UserEventResp struct {
		Status
		Token dmapi.Token
	}

	FsListReq  struct{}
	FsListResp struct {
		Status
		Filesystems []FsInfo
	}

	FsEventsReq struct {
		Fsid   string
		Events []string
	}

	DestroyAttrReq struct {
		Fsid string
		Name string // empty to turn off
	}

	StatsReq  struct{}
	StatsResp struct {
		Status
		Stats Stats
	}

	FsNewReq struct {
		Fsid     string
		Capacity int64
		ReadOnly bool
		NoDMAPI  bool
		// Events and DestroyAttr are applied when the filesystem is mounted.
		Events      []string
		DestroyAttr string
	}

	FsMountReq struct {
		Fsid   string
		Path   string
		Device string
		// OnFsid and OnPath name the directory mounted on, in another in-memory filesystem.
		OnFsid string
		OnPath string
	}

	FsUnmountReq struct {
		Fsid string
		Mode uint32
	}

	FsPinReq struct {
		Fsid  string
		Unpin bool
	}

	FsOpReq struct {
		Fsid    string
		Path    string
		NewPath string // rename, link
		Target  string // symlink
		Mode    uint32
		Offset  int64
		Length  int
		Data    []byte
		Size    int64  // truncate
		Name    string // setxattr
		Value   []byte // setxattr, nil removes
	}
	FsOpResp struct {
		Status
		Ino   uint64   `json:",omitempty"`
		Gen   uint32   `json:",omitempty"`
		N     int      `json:",omitempty"`
		Data  []byte   `json:",omitempty"`
		Names []string `json:",omitempty"`
	}
)

// Err converts a failed status back to an error. DMAPI failures come back as errnos.
func (s *Status) Err() error {
	if s.Success {
		return nil
	} else if s.Errno != 0 {
		return fmt.Errorf("%s: %w", s.Error, unix.Errno(s.Errno))
	}
	return errors.New(s.Error)
}

func (s *Status) status() *Status { return s }

// anyStatus lets the client side get at the embedded Status of any response.
type anyStatus interface{ status() *Status }

// StatusOf returns the Status embedded in a response, or nil.
func StatusOf(res any) *Status {
	if as, ok := res.(anyStatus); ok {
		return as.status()
	}
	return nil
}

func parseEvents(names []string) (dmapi.EventSet, error) {
	var set dmapi.EventSet
	for _, n := range names {
		e, err := dmapi.ParseEventType(n)
		if err != nil {
			return 0, err
		}
		set = set.Add(e)
	}
	return set, nil
}

// parseFsid accepts hex; empty is the zero fsid.
func parseFsid(s string) (dmapi.Fsid, error) {
	if s == "" {
		return dmapi.Fsid{}, nil
	}
	return dmapi.ParseFsid(s)
}

func parseResponse(s string) (dmapi.RespType, error) {
	switch s {
	case "continue":
		return dmapi.RespContinue, nil
	case "abort":
		return dmapi.RespAbort, nil
	case "dontcare":
		return dmapi.RespDontCare, nil
	default:
		return dmapi.RespInvalid, fmt.Errorf("unknown response %q", s)
	}
}
