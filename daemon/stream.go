package daemon

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dnr/dmapi/dmapi"
)

// eventStream is one websocket carrying a session's events to the application and its
// responses back. gorilla allows one concurrent reader and one concurrent writer.
type eventStream struct {
	s         *server
	sid       dmapi.SessionID
	ws        *websocket.Conn
	writeLock sync.Mutex
}

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}

func (s *server) hasSession(sid dmapi.SessionID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sessions[sid] != nil
}

// eventMsg converts an event for the wire, with a decoded summary.
func (s *server) eventMsg(m dmapi.EventMsg) EventMsg {
	out := EventMsg{
		Type:     m.Type.String(),
		Token:    m.Token,
		Sequence: m.Sequence,
		Payload:  m.Payload,
	}
	if d, err := dmapi.Decode(m.Type, m.Payload); err == nil {
		out.Summary = d.Summary()
	} else {
		s.log.Warn("undecodable event", zap.Stringer("event", m.Type), zap.Error(err))
	}
	return out
}

func (s *server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(r.URL.Query().Get("session"), 10, 64)
	if err != nil {
		http.Error(w, "bad session: "+err.Error(), http.StatusBadRequest)
		return
	}
	sid := dmapi.SessionID(n)
	if !s.hasSession(sid) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Info("event stream upgrade failed", zap.Error(err))
		return
	}
	es := &eventStream{s: s, sid: sid, ws: ws}
	s.log.Info("event stream open", zap.Uint64("session", uint64(sid)))
	es.run(r.Context())
	s.log.Info("event stream closed", zap.Uint64("session", uint64(sid)))
}

func (es *eventStream) send(f *StreamFrame) error {
	es.writeLock.Lock()
	defer es.writeLock.Unlock()
	return es.ws.WriteJSON(f)
}

func (es *eventStream) close() {
	es.writeLock.Lock()
	defer es.writeLock.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	es.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	es.ws.Close()
}

func (es *eventStream) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		es.readResponses(cancel)
	}()
	defer func() {
		es.close()
		<-readDone
	}()

	for {
		ps, err := es.s.takeEvents(ctx, es.sid, 0, true)
		if err != nil {
			return
		}
		if !es.push(ps) {
			return
		}
	}
}

// push writes taken events in order. Events that could not be written go back on the
// session's queue for the next reader.
func (es *eventStream) push(ps []*pending) bool {
	for i, p := range ps {
		ev := es.s.eventMsg(p.msg())
		if err := es.send(&StreamFrame{Event: &ev}); err != nil {
			es.s.log.Warn("event stream write failed", zap.Uint64("session", uint64(es.sid)), zap.Error(err))
			es.s.delivered(ps[:i])
			es.s.requeue(es.sid, ps[i:])
			return false
		}
	}
	es.s.delivered(ps)
	return true
}

// readResponses applies responses from the application until the connection goes away.
// Failed responses are reported back on the stream.
func (es *eventStream) readResponses(done func()) {
	defer done()
	for {
		var req RespondReq
		if err := es.ws.ReadJSON(&req); err != nil {
			return
		}
		resp, err := parseResponse(req.Response)
		if err == nil {
			err = es.s.Respond(es.sid, req.Token, resp, req.RetError)
		}
		if err != nil {
			if es.send(&StreamFrame{Token: req.Token, Error: err.Error()}) != nil {
				return
			}
		}
	}
}
