// Package realtime holds the per-project event log, its broadcaster and the
// long-lived stream sessions that consume it. The log is process-local and
// bounded; a restart loses it, which is fine because a snapshot plus an empty
// backfill reconstructs client state.
package realtime

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// DefaultRetainedEvents caps each project's buffer. Clients whose cursor has
// fallen out of the window must bootstrap from a snapshot instead.
const DefaultRetainedEvents = 500

// Subscriber is the delivery capability a stream session (or a test double)
// registers with the broadcaster. Write is called from a goroutine dedicated
// to this subscriber, never from the publisher.
type Subscriber interface {
	Write(ev domain.Event) error
	Close()
}

// Registry owns every project's event log. It is created once per process and
// never destroyed; project logs appear lazily on first publish or subscribe
// and are bounded by FIFO eviction.
type Registry struct {
	cap    int
	logger *log.Logger

	lastSeq atomic.Int64

	mu   sync.Mutex
	logs map[string]*projectLog
}

// NewRegistry creates a registry retaining up to capacity events per project.
// A non-positive capacity selects DefaultRetainedEvents.
func NewRegistry(capacity int, logger *log.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultRetainedEvents
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		cap:    capacity,
		logger: logger,
		logs:   make(map[string]*projectLog),
	}
}

type projectLog struct {
	mu      sync.Mutex
	events  []domain.Event
	evicted string // id of the newest event trimmed out of the buffer
	subs    map[*subscription]struct{}
}

// since returns buffered events with id greater than cursor, in id order.
// ok is false when cursor has fallen behind the retained window, meaning a
// gapless replay from it is no longer possible.
func (pl *projectLog) since(cursor string) ([]domain.Event, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.evicted != "" && cursor < pl.evicted {
		return nil, false
	}
	i := 0
	for i < len(pl.events) && pl.events[i].ID <= cursor {
		i++
	}
	if i == len(pl.events) {
		return nil, true
	}
	out := make([]domain.Event, len(pl.events)-i)
	copy(out, pl.events[i:])
	return out, true
}

// subscription pairs a Subscriber with a cursor into the shared buffer. The
// publisher only pokes the coalescing notify channel; the pump goroutine pulls
// events from the buffer at the subscriber's own pace, so a reader that lags
// behind loses nothing until its cursor leaves the retained window.
type subscription struct {
	pl        *projectLog
	projectID string
	logger    *log.Logger
	sub       Subscriber
	cursor    string
	notify    chan struct{}
	done      chan struct{}
	cancel    sync.Once
}

func (r *Registry) project(projectID string) *projectLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	pl, ok := r.logs[projectID]
	if !ok {
		pl = &projectLog{subs: make(map[*subscription]struct{})}
		r.logs[projectID] = pl
	}
	return pl
}

// nextEventID issues an id strictly greater than every id issued before it,
// across all projects. IDs are nanosecond timestamps bumped past collisions,
// rendered fixed-width base-36 so string order equals numeric order.
func (r *Registry) nextEventID() (string, int64) {
	for {
		now := time.Now().UnixNano()
		last := r.lastSeq.Load()
		if now <= last {
			now = last + 1
		}
		if r.lastSeq.CompareAndSwap(last, now) {
			return formatEventID(now), now
		}
	}
}

// eventIDWidth is the number of base-36 digits needed for any int64.
const eventIDWidth = 13

func formatEventID(seq int64) string {
	s := strconv.FormatInt(seq, 36)
	if len(s) < eventIDWidth {
		s = strings.Repeat("0", eventIDWidth-len(s)) + s
	}
	return s
}

// Publish appends an event to the project's log and nudges every live
// subscriber. The nudge is a non-blocking send on a coalescing channel, so a
// publish burst can never stall the publisher or evict a subscriber that is
// merely behind; a subscriber is dropped only once its cursor falls out of
// the retained window.
func (r *Registry) Publish(projectID, typ string, data any) domain.Event {
	payload, err := sonic.Marshal(data)
	if err != nil {
		// Payloads are produced by our own handlers; a marshal failure is a
		// programming error, but it must not take down a committed mutation.
		r.logger.Errorf("event payload marshal failed, project: %s, type: %s, err: %v", projectID, typ, err)
		payload = []byte("{}")
	}

	pl := r.project(projectID)
	pl.mu.Lock()
	// The id is issued under the project lock so that append order in the
	// buffer always matches id order even with concurrent publishers.
	id, seq := r.nextEventID()
	ev := domain.Event{
		ID:        id,
		ProjectID: projectID,
		Type:      typ,
		Data:      payload,
		Time:      seq,
	}
	pl.events = append(pl.events, ev)
	if len(pl.events) > r.cap {
		cut := len(pl.events) - r.cap
		pl.evicted = pl.events[cut-1].ID
		pl.events = append(pl.events[:0:0], pl.events[cut:]...)
	}
	for s := range pl.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	pl.mu.Unlock()

	return ev
}

// Subscribe registers sub against the project's log and returns an idempotent
// disposer. Events published from this moment on are delivered to sub;
// callers resuming from a cursor should backfill after subscribing and
// deduplicate by event id, since an event published during the backfill
// window arrives twice.
func (r *Registry) Subscribe(projectID string, sub Subscriber) func() {
	pl := r.project(projectID)
	s := &subscription{
		pl:        pl,
		projectID: projectID,
		logger:    r.logger,
		sub:       sub,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	pl.mu.Lock()
	if n := len(pl.events); n > 0 {
		s.cursor = pl.events[n-1].ID
	}
	pl.subs[s] = struct{}{}
	pl.mu.Unlock()

	go s.pump()

	return func() {
		pl.mu.Lock()
		delete(pl.subs, s)
		pl.mu.Unlock()
		s.close()
	}
}

// Backfill returns buffered events with id greater than afterID, in id order.
// ok is false when afterID has fallen out of the retained window: the buffer
// can no longer replay gaplessly from it and the caller must bootstrap from a
// snapshot. An empty afterID yields nothing: fresh sessions bootstrap from a
// snapshot, not from the log.
func (r *Registry) Backfill(projectID, afterID string) ([]domain.Event, bool) {
	if afterID == "" {
		return nil, true
	}
	return r.project(projectID).since(afterID)
}

// LatestEventID returns the id of the newest buffered event, or "" when the
// project has no events. Snapshots are stamped with it.
func (r *Registry) LatestEventID(projectID string) string {
	pl := r.project(projectID)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if len(pl.events) == 0 {
		return ""
	}
	return pl.events[len(pl.events)-1].ID
}

func (s *subscription) pump() {
	for {
		if !s.deliverPending() {
			return
		}
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
	}
}

// deliverPending drains the buffer from the subscription's cursor. It returns
// false when the subscription is finished: cancelled, failed a write, or
// dropped because the retained window moved past its cursor.
func (s *subscription) deliverPending() bool {
	for {
		select {
		case <-s.done:
			return false
		default:
		}
		evs, ok := s.pl.since(s.cursor)
		if !ok {
			s.logger.Warnf("dropping subscriber behind retained window, project: %s", s.projectID)
			s.drop()
			return false
		}
		if len(evs) == 0 {
			return true
		}
		for _, ev := range evs {
			if err := s.sub.Write(ev); err != nil {
				s.drop()
				return false
			}
			s.cursor = ev.ID
		}
	}
}

func (s *subscription) drop() {
	s.pl.mu.Lock()
	delete(s.pl.subs, s)
	s.pl.mu.Unlock()
	s.close()
}

func (s *subscription) close() {
	s.cancel.Do(func() {
		close(s.done)
		s.sub.Close()
	})
}
