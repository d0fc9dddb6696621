package daemon

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	daemonStats struct {
		sessionsCreated   atomic.Int64 // sessions created
		sessionsDestroyed atomic.Int64 // sessions destroyed
		eventsQueued      atomic.Int64 // events queued to a session
		eventsUndelivered atomic.Int64 // events with no session to receive them
		eventsDelivered   atomic.Int64 // events read by an application
		syncWaits         atomic.Int64 // callers that blocked for a reply
		waitInterrupts    atomic.Int64 // blocked callers that gave up
		noDelayReturns    atomic.Int64 // sync events queued without waiting (EAGAIN)
		responses         atomic.Int64 // replies from applications
		aborts            atomic.Int64 // replies that aborted the operation
		mountOffers       atomic.Int64 // mount events offered to a session
		userEvents        atomic.Int64 // user messages and user events
		stateChanges      atomic.Int64 // filesystem state changes
		stateErrs         atomic.Int64 // rejected filesystem state changes
	}

	Stats struct {
		SessionsCreated   int64 // sessions created
		SessionsDestroyed int64 // sessions destroyed
		EventsQueued      int64 // events queued to a session
		EventsUndelivered int64 // events with no session to receive them
		EventsDelivered   int64 // events read by an application
		SyncWaits         int64 // callers that blocked for a reply
		WaitInterrupts    int64 // blocked callers that gave up
		NoDelayReturns    int64 // sync events queued without waiting (EAGAIN)
		Responses         int64 // replies from applications
		Aborts            int64 // replies that aborted the operation
		MountOffers       int64 // mount events offered to a session
		UserEvents        int64 // user messages and user events
		StateChanges      int64 // filesystem state changes
		StateErrs         int64 // rejected filesystem state changes
	}
)

func (s *daemonStats) export() Stats {
	return Stats{
		SessionsCreated:   s.sessionsCreated.Load(),
		SessionsDestroyed: s.sessionsDestroyed.Load(),
		EventsQueued:      s.eventsQueued.Load(),
		EventsUndelivered: s.eventsUndelivered.Load(),
		EventsDelivered:   s.eventsDelivered.Load(),
		SyncWaits:         s.syncWaits.Load(),
		WaitInterrupts:    s.waitInterrupts.Load(),
		NoDelayReturns:    s.noDelayReturns.Load(),
		Responses:         s.responses.Load(),
		Aborts:            s.aborts.Load(),
		MountOffers:       s.mountOffers.Load(),
		UserEvents:        s.userEvents.Load(),
		StateChanges:      s.stateChanges.Load(),
		StateErrs:         s.stateErrs.Load(),
	}
}

func (a Stats) Sub(b Stats) Stats {
	return Stats{
		SessionsCreated:   a.SessionsCreated - b.SessionsCreated,
		SessionsDestroyed: a.SessionsDestroyed - b.SessionsDestroyed,
		EventsQueued:      a.EventsQueued - b.EventsQueued,
		EventsUndelivered: a.EventsUndelivered - b.EventsUndelivered,
		EventsDelivered:   a.EventsDelivered - b.EventsDelivered,
		SyncWaits:         a.SyncWaits - b.SyncWaits,
		WaitInterrupts:    a.WaitInterrupts - b.WaitInterrupts,
		NoDelayReturns:    a.NoDelayReturns - b.NoDelayReturns,
		Responses:         a.Responses - b.Responses,
		Aborts:            a.Aborts - b.Aborts,
		MountOffers:       a.MountOffers - b.MountOffers,
		UserEvents:        a.UserEvents - b.UserEvents,
		StateChanges:      a.StateChanges - b.StateChanges,
		StateErrs:         a.StateErrs - b.StateErrs,
	}
}

// newRegistry exposes the counters above plus live gauges to prometheus. The counters are
// read at scrape time so there's a single source of truth.
func (s *server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "dmapid",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dmapid",
			Name:      name,
			Help:      help,
		}, f)
	}
	st := &s.stats
	reg.MustRegister(
		counter("sessions_created_total", "Sessions created.", &st.sessionsCreated),
		counter("sessions_destroyed_total", "Sessions destroyed.", &st.sessionsDestroyed),
		counter("events_queued_total", "Events queued to a session.", &st.eventsQueued),
		counter("events_undelivered_total", "Events with no session to receive them.", &st.eventsUndelivered),
		counter("events_delivered_total", "Events read by an application.", &st.eventsDelivered),
		counter("sync_waits_total", "Callers that blocked for a reply.", &st.syncWaits),
		counter("wait_interrupts_total", "Blocked callers that gave up.", &st.waitInterrupts),
		counter("nodelay_returns_total", "Synchronous events queued without waiting.", &st.noDelayReturns),
		counter("responses_total", "Replies from applications.", &st.responses),
		counter("aborts_total", "Replies that aborted the operation.", &st.aborts),
		counter("mount_offers_total", "Mount events offered to a session.", &st.mountOffers),
		counter("user_events_total", "User messages and user events.", &st.userEvents),
		counter("state_changes_total", "Filesystem state changes.", &st.stateChanges),
		counter("state_errors_total", "Rejected filesystem state changes.", &st.stateErrs),
		gauge("sessions", "Live sessions.", func() float64 {
			s.lock.Lock()
			defer s.lock.Unlock()
			return float64(len(s.sessions))
		}),
		gauge("outstanding_events", "Events waiting to be read or answered.", func() float64 {
			s.lock.Lock()
			defer s.lock.Unlock()
			n := 0
			for _, sess := range s.sessions {
				n += len(sess.tokens)
				for _, p := range sess.queue {
					if p.reply == nil {
						n++
					}
				}
			}
			return float64(n)
		}),
		gauge("filesystems", "Registered in-memory filesystems.", func() float64 {
			return float64(s.filesystems.Len())
		}),
	)
	return reg
}
