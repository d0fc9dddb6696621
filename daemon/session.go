package daemon

import (
	"bytes"
	"context"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/dnr/dmapi/dmapi"
)

type (
	dispKey struct {
		fsid dmapi.Fsid
		ev   dmapi.EventType
	}

	session struct {
		id      dmapi.SessionID
		info    string
		created time.Time

		// all guarded by server.lock
		queue  []*pending               // not yet read by the application
		tokens map[dmapi.Token]*pending // sync and user events waiting for a reply
		wake   chan struct{}            // closed when the queue grows or the session goes away
	}

	pending struct {
		token  dmapi.Token // 0 for async events
		seq    uint32
		ev     *dmapi.Event
		queued bool
		reply  chan reply // buffered, nil for async events
	}

	reply struct {
		resp  dmapi.RespType
		errno int
	}
)

var _ dmapi.Queue = (*server)(nil)

func (r reply) err() error {
	if r.resp == dmapi.RespAbort {
		return unix.Errno(r.errno)
	}
	return nil
}

// must hold s.lock
func (sess *session) notify() {
	close(sess.wake)
	sess.wake = make(chan struct{})
}

// must hold s.lock
func (sess *session) unqueue(p *pending) {
	if i := slices.Index(sess.queue, p); i >= 0 {
		sess.queue = slices.Delete(sess.queue, i, i+1)
	}
	p.queued = false
}

// enqueueLocked takes a reference on ev and files it with the session. Sync events get a
// token and a reply channel. Undelivered events are only reachable by token.
func (s *server) enqueueLocked(sess *session, ev *dmapi.Event, sync, deliver bool) *pending {
	ev.Hold()
	s.nextSeq++
	p := &pending{ev: ev, seq: s.nextSeq}
	if sync {
		s.nextToken++
		p.token = s.nextToken
		p.reply = make(chan reply, 1)
		sess.tokens[p.token] = p
	}
	if deliver {
		p.queued = true
		sess.queue = append(sess.queue, p)
		sess.notify()
	}
	s.stats.eventsQueued.Add(1)
	if ce := s.log.Check(zap.DebugLevel, "queued"); ce != nil {
		ce.Write(zap.Uint64("session", uint64(sess.id)), zap.Stringer("event", ev.Type),
			zap.Uint64("token", uint64(p.token)), zap.Uint32("seq", p.seq))
	}
	return p
}

// must hold s.lock
func (s *server) sessionForLocked(fsid dmapi.Fsid, ev dmapi.EventType) *session {
	if sid, ok := s.disp[dispKey{fsid, ev}]; ok {
		return s.sessions[sid]
	} else if sid, ok := s.disp[dispKey{dmapi.Fsid{}, ev}]; ok {
		return s.sessions[sid]
	}
	return nil
}

// wait blocks for the reply to p. Interruption leaves the event queued.
func (s *server) wait(ctx context.Context, p *pending) (reply, error) {
	s.stats.syncWaits.Add(1)
	if err := s.waiters.Acquire(ctx, 1); err != nil {
		s.stats.waitInterrupts.Add(1)
		return reply{}, unix.EINTR
	}
	defer s.waiters.Release(1)
	select {
	case r := <-p.reply:
		return r, nil
	case <-ctx.Done():
		s.stats.waitInterrupts.Add(1)
		return reply{}, unix.EINTR
	case <-s.shutdownChan:
		return reply{}, unix.EINTR
	}
}

func (s *server) submit(ctx context.Context, sb dmapi.Superblock, ev *dmapi.Event, flags dmapi.Flags, sync bool) error {
	fsid := sbFsid(sb)
	s.lock.Lock()
	sess := s.sessionForLocked(fsid, ev.Type)
	if sess == nil {
		s.lock.Unlock()
		s.stats.eventsUndelivered.Add(1)
		return nil
	}
	p := s.enqueueLocked(sess, ev, sync, true)
	s.lock.Unlock()

	if !sync {
		return nil
	} else if flags&dmapi.FlagNoDelay != 0 {
		s.stats.noDelayReturns.Add(1)
		return unix.EAGAIN
	}
	r, err := s.wait(ctx, p)
	if err != nil {
		return err
	}
	return r.err()
}

func (s *server) SubmitAndWait(ctx context.Context, sb dmapi.Superblock, ev *dmapi.Event, flags dmapi.Flags) error {
	return s.submit(ctx, sb, ev, flags, true)
}

func (s *server) SubmitAsync(ctx context.Context, sb dmapi.Superblock, ev *dmapi.Event, flags dmapi.Flags) error {
	return s.submit(ctx, sb, ev, flags, false)
}

// SubmitMount offers the event to each session with the mount disposition in turn, until
// one doesn't answer "don't care".
func (s *server) SubmitMount(ctx context.Context, sb dmapi.Superblock, ev *dmapi.Event) error {
	s.lock.Lock()
	cands := slices.Clone(s.mountSessions)
	s.lock.Unlock()

	if len(cands) == 0 {
		s.stats.eventsUndelivered.Add(1)
		return nil
	}
	for _, sid := range cands {
		s.lock.Lock()
		sess := s.sessions[sid]
		if sess == nil {
			s.lock.Unlock()
			continue
		}
		p := s.enqueueLocked(sess, ev, true, true)
		s.lock.Unlock()
		s.stats.mountOffers.Add(1)

		r, err := s.wait(ctx, p)
		if err != nil {
			return err
		} else if r.resp == dmapi.RespDontCare {
			continue
		}
		return r.err()
	}
	return nil
}

func (s *server) SubmitMsg(ctx context.Context, sid dmapi.SessionID, ev *dmapi.Event, sync bool) error {
	s.lock.Lock()
	sess := s.sessions[sid]
	if sess == nil {
		s.lock.Unlock()
		return unix.EINVAL
	}
	p := s.enqueueLocked(sess, ev, sync, true)
	s.lock.Unlock()
	s.stats.userEvents.Add(1)

	if !sync {
		return nil
	}
	r, err := s.wait(ctx, p)
	if err != nil {
		return err
	}
	return r.err()
}

func (s *server) SubmitUserEvent(ctx context.Context, sid dmapi.SessionID, ev *dmapi.Event) (dmapi.Token, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sess := s.sessions[sid]
	if sess == nil {
		return 0, unix.EINVAL
	}
	p := s.enqueueLocked(sess, ev, true, false)
	s.stats.userEvents.Add(1)
	return p.token, nil
}

// session management

func (s *server) CreateSession(info string) dmapi.SessionID {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextSid++
	sess := &session{
		id:      s.nextSid,
		info:    info,
		created: time.Now(),
		tokens:  make(map[dmapi.Token]*pending),
		wake:    make(chan struct{}),
	}
	s.sessions[sess.id] = sess
	s.stats.sessionsCreated.Add(1)
	s.log.Info("session created", zap.Uint64("session", uint64(sess.id)), zap.String("info", info))
	return sess.id
}

// DestroySession fails with EBUSY while the session has events that weren't read or
// answered.
func (s *server) DestroySession(sid dmapi.SessionID) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	sess := s.sessions[sid]
	if sess == nil {
		return unix.EINVAL
	} else if len(sess.queue) > 0 || len(sess.tokens) > 0 {
		return unix.EBUSY
	}
	delete(s.sessions, sid)
	for k, v := range s.disp {
		if v == sid {
			delete(s.disp, k)
		}
	}
	s.mountSessions = slices.DeleteFunc(s.mountSessions, func(id dmapi.SessionID) bool { return id == sid })
	close(sess.wake)
	s.stats.sessionsDestroyed.Add(1)
	s.log.Info("session destroyed", zap.Uint64("session", uint64(sid)))
	return nil
}

func (s *server) ListSessions() []SessionInfo {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			Session:     sess.id,
			Info:        sess.info,
			Queued:      len(sess.queue),
			Outstanding: len(sess.tokens),
		})
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return int(a.Session) - int(b.Session) })
	return out
}

// SetDisposition makes sid the receiver of the events in set for fsid, and drops the ones
// not in set that sid currently receives. Mount events can only be requested globally.
func (s *server) SetDisposition(sid dmapi.SessionID, fsid dmapi.Fsid, set dmapi.EventSet) error {
	global := fsid == dmapi.Fsid{}
	if set.Contains(dmapi.EventMount) && !global {
		return unix.EINVAL
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sessions[sid] == nil {
		return unix.EINVAL
	}
	for e := dmapi.EventType(0); e < dmapi.EventMax; e++ {
		if e == dmapi.EventMount {
			continue
		}
		k := dispKey{fsid, e}
		if set.Contains(e) {
			s.disp[k] = sid
		} else if s.disp[k] == sid {
			delete(s.disp, k)
		}
	}
	if global {
		i, found := slices.BinarySearch(s.mountSessions, sid)
		if set.Contains(dmapi.EventMount) && !found {
			s.mountSessions = slices.Insert(s.mountSessions, i, sid)
		} else if !set.Contains(dmapi.EventMount) && found {
			s.mountSessions = slices.Delete(s.mountSessions, i, i+1)
		}
	}
	return nil
}

// takeEvents removes up to max queued events, oldest first. With wait it blocks until at
// least one is available. The caller must pass them to delivered or requeue.
func (s *server) takeEvents(ctx context.Context, sid dmapi.SessionID, max int, wait bool) ([]*pending, error) {
	for {
		s.lock.Lock()
		sess := s.sessions[sid]
		if sess == nil {
			s.lock.Unlock()
			return nil, unix.EINVAL
		}
		if n := len(sess.queue); n > 0 {
			if max > 0 {
				n = min(n, max)
			}
			out := slices.Clone(sess.queue[:n])
			for _, p := range out {
				p.queued = false
			}
			sess.queue = slices.Delete(sess.queue, 0, n)
			s.lock.Unlock()
			return out, nil
		} else if !wait {
			s.lock.Unlock()
			return nil, nil
		}
		wake := sess.wake
		s.lock.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, unix.EINTR
		case <-s.shutdownChan:
			return nil, unix.EINTR
		}
	}
}

func (p *pending) msg() dmapi.EventMsg {
	return dmapi.EventMsg{
		Type:     p.ev.Type,
		Token:    p.token,
		Sequence: p.seq,
		Payload:  bytes.Clone(p.ev.Payload),
	}
}

// delivered drops the queue's reference on async events the application now has. Sync
// events stay reachable by token until answered.
func (s *server) delivered(ps []*pending) {
	s.lock.Lock()
	for _, p := range ps {
		if p.reply == nil {
			p.ev.Put()
		}
	}
	s.lock.Unlock()
	s.stats.eventsDelivered.Add(int64(len(ps)))
}

// requeue puts taken events that never reached the application back at the front of the
// queue, in order. Sync events answered in the meantime are dropped.
func (s *server) requeue(sid dmapi.SessionID, ps []*pending) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sess := s.sessions[sid]
	back := make([]*pending, 0, len(ps))
	for _, p := range ps {
		if p.reply != nil && (sess == nil || sess.tokens[p.token] != p) {
			continue
		} else if sess == nil {
			p.ev.Put()
			continue
		}
		p.queued = true
		back = append(back, p)
	}
	if len(back) > 0 {
		sess.queue = slices.Insert(sess.queue, 0, back...)
		sess.notify()
	}
}

// GetEvents returns up to max queued events, oldest first. With wait it blocks until at
// least one is available.
func (s *server) GetEvents(ctx context.Context, sid dmapi.SessionID, max int, wait bool) ([]dmapi.EventMsg, error) {
	ps, err := s.takeEvents(ctx, sid, max, wait)
	if err != nil || len(ps) == 0 {
		return nil, err
	}
	out := make([]dmapi.EventMsg, len(ps))
	for i, p := range ps {
		out[i] = p.msg()
	}
	s.delivered(ps)
	return out, nil
}

// Respond answers an outstanding event. Abort needs a positive errno. Don't care is only
// valid for mount events and passes the event on to the next session.
func (s *server) Respond(sid dmapi.SessionID, token dmapi.Token, resp dmapi.RespType, reterror int) error {
	switch resp {
	case dmapi.RespContinue, dmapi.RespDontCare:
		if reterror < 0 {
			return unix.EINVAL
		}
	case dmapi.RespAbort:
		if reterror <= 0 {
			return unix.EINVAL
		}
	default:
		return unix.EINVAL
	}

	s.lock.Lock()
	sess := s.sessions[sid]
	if sess == nil {
		s.lock.Unlock()
		return unix.EINVAL
	}
	p := sess.tokens[token]
	if p == nil {
		s.lock.Unlock()
		return unix.ESRCH
	} else if resp == dmapi.RespDontCare && p.ev.Type != dmapi.EventMount {
		s.lock.Unlock()
		return unix.EINVAL
	}
	delete(sess.tokens, token)
	if p.queued {
		sess.unqueue(p)
	}
	s.lock.Unlock()

	p.reply <- reply{resp: resp, errno: reterror}
	p.ev.Put()
	s.stats.responses.Add(1)
	if resp == dmapi.RespAbort {
		s.stats.aborts.Add(1)
	}
	return nil
}

// releaseAll drops every event still held by a session. Used at shutdown.
func (s *server) releaseAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, sess := range s.sessions {
		for _, p := range sess.queue {
			if p.reply == nil {
				p.ev.Put()
			}
		}
		for _, p := range sess.tokens {
			p.ev.Put()
		}
		sess.queue = nil
		clear(sess.tokens)
	}
}

// http handlers

func (s *server) handleCreateSession(ctx context.Context, r *CreateSessionReq) (*CreateSessionResp, error) {
	sid := s.CreateSession(r.Info)
	return &CreateSessionResp{Session: sid, BootID: s.bootID}, nil
}

func (s *server) handleDestroySession(ctx context.Context, r *DestroySessionReq) (*Status, error) {
	return nil, s.DestroySession(r.Session)
}

func (s *server) handleListSessions(ctx context.Context, r *ListSessionsReq) (*ListSessionsResp, error) {
	return &ListSessionsResp{Sessions: s.ListSessions()}, nil
}

func (s *server) handleDisposition(ctx context.Context, r *DispositionReq) (*Status, error) {
	fsid, err := parseFsid(r.Fsid)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	set, err := parseEvents(r.Events)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	return nil, s.SetDisposition(r.Session, fsid, set)
}

func (s *server) handleGetEvents(ctx context.Context, r *GetEventsReq) (*GetEventsResp, error) {
	msgs, err := s.GetEvents(ctx, r.Session, r.Max, r.Wait)
	if err != nil {
		return nil, err
	}
	out := make([]EventMsg, len(msgs))
	for i, m := range msgs {
		out[i] = s.eventMsg(m)
	}
	return &GetEventsResp{Events: out}, nil
}

func (s *server) handleRespond(ctx context.Context, r *RespondReq) (*Status, error) {
	resp, err := parseResponse(r.Response)
	if err != nil {
		return nil, mwErrE(http.StatusBadRequest, err)
	}
	return nil, s.Respond(r.Session, r.Token, resp, r.RetError)
}

func (s *server) handleSendMsg(ctx context.Context, r *SendMsgReq) (*Status, error) {
	tp := dmapi.MsgAsync
	if r.Sync {
		tp = dmapi.MsgSync
	}
	return nil, s.sender.SendMsg(ctx, &dmapi.MsgRequest{
		Session: r.Session,
		Type:    tp,
		Length:  len(r.Data),
		Data:    bytes.NewReader(r.Data),
	})
}

func (s *server) handleUserEvent(ctx context.Context, r *UserEventReq) (*UserEventResp, error) {
	token, err := s.sender.CreateUserEvent(ctx, &dmapi.UserEventRequest{
		Session: r.Session,
		Length:  len(r.Data),
		Data:    bytes.NewReader(r.Data),
	})
	if err != nil {
		return nil, err
	}
	return &UserEventResp{Token: token}, nil
}

func (s *server) handleStats(ctx context.Context, r *StatsReq) (*StatsResp, error) {
	return &StatsResp{Stats: s.stats.export()}, nil
}
