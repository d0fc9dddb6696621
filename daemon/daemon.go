package daemon

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/common"
	"github.com/dnr/dmapi/common/systemd"
	"github.com/dnr/dmapi/dmapi"
)

type (
	server struct {
		cfg      *Config
		log      *zap.Logger
		db       *bbolt.DB
		table    *fsTable
		sender   *dmapi.Sender
		waiters  *semaphore.Weighted
		stats    daemonStats
		registry *prometheus.Registry
		bootID   string

		lock          sync.Mutex
		sessions      map[dmapi.SessionID]*session
		disp          map[dispKey]dmapi.SessionID
		mountSessions []dmapi.SessionID // sorted
		nextSid       dmapi.SessionID
		nextToken     dmapi.Token
		nextSeq       uint32

		// in-memory filesystems by fsid
		filesystems *common.SimpleSyncMap[dmapi.Fsid, *fsEntry]

		metricsAddr net.Addr

		shutdownChan chan struct{}
		shutdownWait sync.WaitGroup
		// http handlers still running, including hijacked event streams
		handlers sync.WaitGroup
	}

	Config struct {
		StateDir string
		// MetricsAddr is a tcp address to serve prometheus metrics on, in addition to the
		// unix socket. Empty to disable.
		MetricsAddr string
		// MaxWaiters bounds the number of callers blocked waiting for replies.
		MaxWaiters int64
		// MaxPayload bounds a single event payload.
		MaxPayload int
		// Bootstrap is a yaml file of filesystems to create and mount at startup.
		Bootstrap string

		Log *zap.Logger
	}
)

func NewServer(cfg Config) *server {
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = defaultMaxWaiters
	}
	s := &server{
		cfg:          &cfg,
		log:          common.OrNop(cfg.Log),
		waiters:      semaphore.NewWeighted(cfg.MaxWaiters),
		bootID:       uuid.NewString(),
		sessions:     make(map[dmapi.SessionID]*session),
		disp:         make(map[dispKey]dmapi.SessionID),
		filesystems:  common.NewSimpleSyncMap[dmapi.Fsid, *fsEntry](),
		shutdownChan: make(chan struct{}),
	}
	s.registry = s.newRegistry()
	return s
}

func (s *server) openDb() (err error) {
	opts := bbolt.Options{
		NoFreelistSync: true,
		FreelistType:   bbolt.FreelistMapType,
		Timeout:        time.Second,
	}
	s.db, err = bbolt.Open(filepath.Join(s.cfg.StateDir, dbFilename), 0600, &opts)
	if err != nil {
		return err
	}

	checkSchemaVer := func(mb *bbolt.Bucket) error {
		b := mb.Get(metaSchema)
		if len(b) != 4 {
			ver := binary.LittleEndian.AppendUint32(nil, schemaLatest)
			return mb.Put(metaSchema, ver)
		}
		have := binary.LittleEndian.Uint32(b)
		if have != schemaLatest {
			return fmt.Errorf("mismatched schema version %d != %d", have, schemaLatest)
		}
		return nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if mb, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		} else if _, err = tx.CreateBucketIfNotExists(fsBucket); err != nil {
			return err
		} else if err = checkSchemaVer(mb); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		s.db.Close()
		return err
	}
	s.table = newFsTable(s.db, s.log.Named("fstable"), &s.stats)
	return nil
}

// dropStale removes table records left by a previous run. In-memory filesystems don't
// survive a restart, so nothing can be mounted yet.
func (s *server) dropStale() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(fsBucket)
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			stale = append(stale, k)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			s.log.Info("dropping stale filesystem record", zap.Binary("fsid", k))
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// newSender builds the event sender. The server is its queue and the table its lifecycle
// table, so it needs openDb first.
func (s *server) newSender() *dmapi.Sender {
	return dmapi.NewSender(dmapi.Config{
		Queue:     s,
		FsTable:   s.table,
		Allocator: dmapi.NewPoolAllocator(s.cfg.MaxPayload),
		Log:       s.log.Named("sender"),
	})
}

func (s *server) setupEnv() error {
	return os.MkdirAll(s.cfg.StateDir, 0700)
}

func (s *server) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(SessionCreatePath, jsonmw(s.log, s.handleCreateSession))
	mux.HandleFunc(SessionDestroyPath, jsonmw(s.log, s.handleDestroySession))
	mux.HandleFunc(SessionListPath, jsonmw(s.log, s.handleListSessions))
	mux.HandleFunc(DispositionPath, jsonmw(s.log, s.handleDisposition))
	mux.HandleFunc(GetEventsPath, jsonmw(s.log, s.handleGetEvents))
	mux.HandleFunc(RespondPath, jsonmw(s.log, s.handleRespond))
	mux.HandleFunc(EventStreamPath, s.handleEventStream)
	mux.HandleFunc(SendMsgPath, jsonmw(s.log, s.handleSendMsg))
	mux.HandleFunc(UserEventPath, jsonmw(s.log, s.handleUserEvent))
	mux.HandleFunc(FsListPath, jsonmw(s.log, s.handleFsList))
	mux.HandleFunc(FsEventsPath, jsonmw(s.log, s.handleFsEvents))
	mux.HandleFunc(FsDestroyAttrPath, jsonmw(s.log, s.handleDestroyAttr))
	mux.HandleFunc(StatsPath, jsonmw(s.log, s.handleStats))
	mux.HandleFunc(FsNewPath, jsonmw(s.log, s.handleFsNew))
	mux.HandleFunc(FsMountPath, jsonmw(s.log, s.handleFsMount))
	mux.HandleFunc(FsUnmountPath, jsonmw(s.log, s.handleFsUnmount))
	mux.HandleFunc(FsPinPath, jsonmw(s.log, s.handleFsPin))
	mux.HandleFunc(FsCreatePath, jsonmw(s.log, s.handleFsCreate))
	mux.HandleFunc(FsSymlinkPath, jsonmw(s.log, s.handleFsSymlink))
	mux.HandleFunc(FsLinkPath, jsonmw(s.log, s.handleFsLink))
	mux.HandleFunc(FsRemovePath, jsonmw(s.log, s.handleFsRemove))
	mux.HandleFunc(FsRenamePath, jsonmw(s.log, s.handleFsRename))
	mux.HandleFunc(FsReadPath, jsonmw(s.log, s.handleFsRead))
	mux.HandleFunc(FsWritePath, jsonmw(s.log, s.handleFsWrite))
	mux.HandleFunc(FsTruncatePath, jsonmw(s.log, s.handleFsTruncate))
	mux.HandleFunc(FsSetXattrPath, jsonmw(s.log, s.handleFsSetXattr))
	mux.HandleFunc(FsListDirPath, jsonmw(s.log, s.handleFsListDir))
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// track counts running handlers so Stop can wait for them before closing the db.
func (s *server) track(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handlers.Add(1)
		defer s.handlers.Done()
		h.ServeHTTP(w, r)
	})
}

func (s *server) serve(l net.Listener, h http.Handler, what string) {
	h = s.track(h)
	s.shutdownWait.Add(1)
	go func() {
		defer s.shutdownWait.Done()
		srv := &http.Server{Handler: h}
		go srv.Serve(l)
		<-s.shutdownChan
		s.log.Info("stopping http server", zap.String("server", what))
		srv.Close()
	}()
}

func (s *server) startSocketServer() (err error) {
	socketPath := filepath.Join(s.cfg.StateDir, Socket)
	os.Remove(socketPath)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Net: "unix", Name: socketPath})
	if err != nil {
		return err
	}
	s.serve(l, s.newMux(), "socket")
	return nil
}

func (s *server) startMetricsServer() error {
	if s.cfg.MetricsAddr == "" {
		return nil
	}
	l, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	s.metricsAddr = l.Addr()
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.serve(l, mux, "metrics")
	return nil
}

type errWithStatus struct {
	error
	status int
}

func (e *errWithStatus) Unwrap() error { return e.error }

func mwErr(status int, format string, a ...any) error {
	return &errWithStatus{
		error:  fmt.Errorf(format, a...),
		status: status,
	}
}

func mwErrE(status int, e error) error {
	return &errWithStatus{
		error:  e,
		status: status,
	}
}

// httpStatus picks a status code for an error that didn't come with one.
func httpStatus(err error) int {
	var ews *errWithStatus
	if errors.As(err, &ews) {
		return ews.status
	}
	switch common.Errno(err) {
	case unix.EINVAL, unix.E2BIG, unix.ENAMETOOLONG:
		return http.StatusBadRequest
	case unix.ENOENT, unix.ESRCH, unix.ENXIO:
		return http.StatusNotFound
	case unix.EBUSY, unix.EEXIST, unix.ENOTEMPTY:
		return http.StatusConflict
	case unix.EAGAIN, unix.EINTR:
		return http.StatusServiceUnavailable
	case 0:
		return http.StatusInternalServerError
	default:
		// DMAPI failures are results, not server errors
		return http.StatusUnprocessableEntity
	}
}

func jsonmw[reqT, resT any](log *zap.Logger, f func(context.Context, *reqT) (*resT, error)) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panic", zap.Any("panic", r))
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		wEnc := json.NewEncoder(w)

		var req reqT
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			wEnc.Encode(&Status{Error: err.Error()})
			return
		}

		fields := make([]zap.Field, 0, 3)
		fields = append(fields, zap.String("path", r.URL.Path))
		if ce := log.Check(zap.DebugLevel, "request"); ce != nil {
			if encReq, err := json.Marshal(req); err == nil {
				fields = append(fields, zap.ByteString("req", encReq))
			}
		}

		res, err := f(r.Context(), &req)

		if err == nil {
			w.WriteHeader(http.StatusOK)
			if res == nil {
				wEnc.Encode(&Status{Success: true})
			} else {
				if st := StatusOf(res); st != nil {
					st.Success = true
				}
				wEnc.Encode(res)
			}
			log.Debug("request", append(fields, zap.String("result", "OK"))...)
			return
		}

		w.WriteHeader(httpStatus(err))
		wEnc.Encode(&Status{Success: false, Error: err.Error(), Errno: int(common.Errno(err))})
		log.Info("request", append(fields, zap.Error(err))...)
	}
}

func (s *server) Start() error {
	if err := s.setupEnv(); err != nil {
		return err
	}
	if err := s.openDb(); err != nil {
		return err
	}
	if err := s.dropStale(); err != nil {
		return err
	}
	s.sender = s.newSender()
	if err := s.startSocketServer(); err != nil {
		return err
	}
	if err := s.startMetricsServer(); err != nil {
		return err
	}
	s.log.Info("dmapi daemon ready", zap.String("statedir", s.cfg.StateDir), zap.String("boot", s.bootID))
	systemd.Ready()
	if s.cfg.Bootstrap != "" {
		if err := s.loadBootstrap(context.Background(), s.cfg.Bootstrap); err != nil {
			s.log.Error("bootstrap failed", zap.String("file", s.cfg.Bootstrap), zap.Error(err))
		}
	}
	return nil
}

func (s *server) Stop() {
	s.log.Info("stopping daemon...")
	systemd.Stopping()
	close(s.shutdownChan) // stops the http servers and wakes waiters
	s.shutdownWait.Wait()
	// srv.Close doesn't wait for handlers
	s.handlers.Wait()

	s.releaseAll()
	s.db.Close()

	s.log.Info("daemon shutdown done")
}
