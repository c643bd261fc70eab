package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"taskboard-api/domain"
)

// DefaultHeartbeatInterval keeps intermediaries from reaping idle streams.
const DefaultHeartbeatInterval = 15 * time.Second

// sessionBuffer is the depth of the channel between the broadcaster pump and
// the session's writer goroutine. A full buffer makes the pump lag behind the
// shared log, not lose events.
const sessionBuffer = 64

// SessionState tracks the stream session lifecycle.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionStreaming
	SessionClosed
)

// Session owns one client connection to a project's event stream: the initial
// heartbeat, the backfill batch, live tailing and teardown. All frames are
// written from the session's own goroutine; live events reach it through a
// channel filled by the broadcaster's per-subscriber pump.
type Session struct {
	registry  *Registry
	projectID string
	cursor    string
	w         io.Writer
	flusher   http.Flusher
	heartbeat time.Duration

	state     atomic.Int32
	events    chan domain.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession prepares a stream session. cursor is the id of the last event
// the client processed; empty means a fresh session whose caller has already
// fetched a snapshot. flusher may be nil in tests.
func NewSession(registry *Registry, projectID, cursor string, w io.Writer, flusher http.Flusher, heartbeat time.Duration) *Session {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Session{
		registry:  registry,
		projectID: projectID,
		cursor:    cursor,
		w:         w,
		flusher:   flusher,
		heartbeat: heartbeat,
		events:    make(chan domain.Event, sessionBuffer),
		closed:    make(chan struct{}),
	}
}

// State reports the current lifecycle phase.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Write hands a live event to the session. It is called by the broadcaster
// pump, never by the session itself.
func (s *Session) Write(ev domain.Event) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	case s.events <- ev:
		return nil
	}
}

// Close terminates Run. The broadcaster calls it when it drops the session's
// subscription; the client then reconnects and resumes from its cursor. Run
// also calls it on the way out, so Close must be idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Run streams until the client disconnects (ctx cancellation), the
// broadcaster closes the session, or a write fails. The order is deliberate:
// heartbeat, subscribe, backfill, live tail. Subscribing before backfilling
// means an event published during the backfill window is delivered twice;
// clients deduplicate by event id. The reverse order would lose it instead.
func (s *Session) Run(ctx context.Context) error {
	s.state.Store(int32(SessionStreaming))
	defer s.state.Store(int32(SessionClosed))

	if err := s.writeHeartbeat(); err != nil {
		return nil
	}

	unsubscribe := s.registry.Subscribe(s.projectID, s)
	defer func() {
		unsubscribe()
		s.Close()
	}()

	if s.cursor != "" {
		evs, ok := s.registry.Backfill(s.projectID, s.cursor)
		if !ok {
			// The cursor left the retained window, so a gapless replay is
			// impossible. Tell the client to fetch a fresh snapshot before
			// trusting the live tail.
			if err := s.writeReset(); err != nil {
				return nil
			}
		}
		for _, ev := range evs {
			if err := s.writeEvent(ev); err != nil {
				return nil
			}
		}
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-ticker.C:
			if err := s.writeHeartbeat(); err != nil {
				return nil
			}
		case ev := <-s.events:
			if err := s.writeEvent(ev); err != nil {
				return nil
			}
		}
	}
}

func (s *Session) writeEvent(ev domain.Event) error {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id:%s\ndata:%s\n\n", ev.ID, payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Session) writeHeartbeat() error {
	if _, err := io.WriteString(s.w, ":hb\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Session) writeReset() error {
	if _, err := io.WriteString(s.w, "event:reset\ndata:{}\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Session) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
