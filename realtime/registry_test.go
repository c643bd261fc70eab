package realtime

import (
	"sync"
	"testing"
	"time"

	"taskboard-api/domain"
)

type collectSubscriber struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func (c *collectSubscriber) Write(ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *collectSubscriber) snapshot() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collectSubscriber) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDeliversStrictlyIncreasingIDs(t *testing.T) {
	r := NewRegistry(0, nil)
	sub := &collectSubscriber{}
	cancel := r.Subscribe("p1", sub)
	defer cancel()

	var published []domain.Event
	for i := 0; i < 20; i++ {
		published = append(published, r.Publish("p1", domain.EventTaskCreated, map[string]any{"n": i}))
	}

	waitFor(t, func() bool { return len(sub.snapshot()) == 20 })

	got := sub.snapshot()
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("ids not strictly increasing: %q then %q", got[i-1].ID, got[i].ID)
		}
	}
	for i := range got {
		if got[i].ID != published[i].ID {
			t.Fatalf("delivery order diverged from publish order at %d", i)
		}
	}
}

func TestBackfillMatchesLiveDelivery(t *testing.T) {
	r := NewRegistry(0, nil)
	sub := &collectSubscriber{}
	cancel := r.Subscribe("p1", sub)
	defer cancel()

	r.Publish("p1", domain.EventTaskCreated, nil)
	for i := 0; i < 9; i++ {
		r.Publish("p1", domain.EventTaskUpdated, nil)
	}
	waitFor(t, func() bool { return len(sub.snapshot()) == 10 })

	// A cursor lexicographically below the first id replays everything.
	replay, ok := r.Backfill("p1", formatEventID(0))
	if !ok {
		t.Fatal("cursor unexpectedly out of window")
	}
	live := sub.snapshot()
	if len(replay) != len(live) {
		t.Fatalf("backfill returned %d events, live saw %d", len(replay), len(live))
	}
	for i := range replay {
		if replay[i].ID != live[i].ID {
			t.Fatalf("backfill diverged from live delivery at %d", i)
		}
	}
}

func TestBackfillIsIdempotentAndExclusive(t *testing.T) {
	r := NewRegistry(0, nil)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, r.Publish("p1", domain.EventTaskCreated, nil).ID)
	}

	got, ok := r.Backfill("p1", ids[1])
	if !ok {
		t.Fatal("cursor unexpectedly out of window")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events after cursor, got %d", len(got))
	}
	if got[0].ID != ids[2] {
		t.Fatalf("backfill must be exclusive of the cursor, got first id %q", got[0].ID)
	}

	again, _ := r.Backfill("p1", ids[1])
	if len(again) != len(got) {
		t.Fatalf("backfill not idempotent: %d then %d", len(got), len(again))
	}
	for i := range again {
		if again[i].ID != got[i].ID {
			t.Fatalf("backfill not idempotent at index %d", i)
		}
	}

	if evs, ok := r.Backfill("p1", ids[4]); !ok || len(evs) != 0 {
		t.Fatalf("cursor at head must yield nothing, got %d (ok=%v)", len(evs), ok)
	}
	if evs, ok := r.Backfill("p1", ""); !ok || evs != nil {
		t.Fatalf("absent cursor must yield nothing, got %d (ok=%v)", len(evs), ok)
	}
}

func TestBufferTrimsToCapacity(t *testing.T) {
	r := NewRegistry(0, nil)
	var ids []string
	for i := 0; i < DefaultRetainedEvents+40; i++ {
		ids = append(ids, r.Publish("p1", domain.EventTaskCreated, nil).ID)
	}

	// ids[39] is the newest evicted event, so it is the oldest usable cursor.
	got, ok := r.Backfill("p1", ids[39])
	if !ok {
		t.Fatal("oldest usable cursor reported out of window")
	}
	if len(got) != DefaultRetainedEvents {
		t.Fatalf("expected %d retained events, got %d", DefaultRetainedEvents, len(got))
	}
	if got[0].ID != ids[40] {
		t.Fatalf("oldest retained event should be %q, got %q", ids[40], got[0].ID)
	}
	if got[len(got)-1].ID != ids[len(ids)-1] {
		t.Fatal("newest event missing after trim")
	}
	if r.LatestEventID("p1") != ids[len(ids)-1] {
		t.Fatal("latest event id mismatch")
	}
}

func TestBackfillReportsCursorOutOfWindow(t *testing.T) {
	r := NewRegistry(4, nil)
	var ids []string
	for i := 0; i < 7; i++ {
		ids = append(ids, r.Publish("p1", domain.EventTaskCreated, nil).ID)
	}

	// Buffer holds ids[3:]; ids[2] was the last to be evicted.
	if _, ok := r.Backfill("p1", ids[0]); ok {
		t.Fatal("evicted cursor must be reported out of window")
	}
	if _, ok := r.Backfill("p1", ids[1]); ok {
		t.Fatal("evicted cursor must be reported out of window")
	}
	evs, ok := r.Backfill("p1", ids[2])
	if !ok {
		t.Fatal("boundary cursor must still replay gaplessly")
	}
	if len(evs) != 4 || evs[0].ID != ids[3] {
		t.Fatalf("boundary cursor replayed wrong window: %d events", len(evs))
	}
}

func TestLatestEventIDEmptyProject(t *testing.T) {
	r := NewRegistry(0, nil)
	if id := r.LatestEventID("ghost"); id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

type gatedSubscriber struct {
	collectSubscriber
	release chan struct{}
}

func (g *gatedSubscriber) Write(ev domain.Event) error {
	<-g.release
	return g.collectSubscriber.Write(ev)
}

// A publish burst against a subscriber that is merely behind must neither
// block the publisher nor cost the subscriber a single event: the pump pulls
// from the shared buffer by cursor, so it catches up once the writer frees up.
func TestLaggingSubscriberLosesNothing(t *testing.T) {
	r := NewRegistry(0, nil)
	slow := &gatedSubscriber{release: make(chan struct{})}
	fast := &collectSubscriber{}

	cancelSlow := r.Subscribe("p1", slow)
	defer cancelSlow()
	cancelFast := r.Subscribe("p1", fast)
	defer cancelFast()

	const total = 200
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			r.Publish("p1", domain.EventTaskCreated, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}

	waitFor(t, func() bool { return len(fast.snapshot()) == total })
	if slow.wasClosed() {
		t.Fatal("lagging subscriber dropped during burst")
	}

	close(slow.release)
	waitFor(t, func() bool { return len(slow.snapshot()) == total })

	got := slow.snapshot()
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Fatalf("catch-up out of order at %d: %q then %q", i, got[i-1].ID, got[i].ID)
		}
	}
	if slow.wasClosed() {
		t.Fatal("subscriber dropped after catching up")
	}
}

type stallSubscriber struct {
	collectSubscriber
	entered   chan struct{}
	release   chan struct{}
	enterOnce sync.Once
}

func (s *stallSubscriber) Write(ev domain.Event) error {
	s.enterOnce.Do(func() { close(s.entered) })
	<-s.release
	return s.collectSubscriber.Write(ev)
}

// A subscriber is dropped only once the retained window has moved past its
// cursor, not on an instantaneous burst.
func TestSubscriberDroppedPastRetainedWindow(t *testing.T) {
	r := NewRegistry(4, nil)
	slow := &stallSubscriber{entered: make(chan struct{}), release: make(chan struct{})}

	cancel := r.Subscribe("p1", slow)
	defer cancel()

	first := r.Publish("p1", domain.EventTaskCreated, nil)
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pump never attempted delivery")
	}

	// Six more publishes against capacity 4 evict past the stalled cursor.
	for i := 0; i < 6; i++ {
		r.Publish("p1", domain.EventTaskUpdated, nil)
	}
	close(slow.release)

	waitFor(t, slow.wasClosed)
	if got := slow.snapshot(); len(got) != 1 || got[0].ID != first.ID {
		t.Fatalf("expected only the in-flight event before the drop, got %d", len(got))
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry(0, nil)
	sub := &collectSubscriber{}
	cancel := r.Subscribe("p1", sub)
	cancel()
	cancel()

	r.Publish("p1", domain.EventTaskCreated, nil)
	time.Sleep(20 * time.Millisecond)
	if n := len(sub.snapshot()); n != 0 {
		t.Fatalf("unsubscribed subscriber received %d events", n)
	}
}

func TestCrossProjectIsolation(t *testing.T) {
	r := NewRegistry(0, nil)
	sub := &collectSubscriber{}
	cancel := r.Subscribe("p1", sub)
	defer cancel()

	r.Publish("p2", domain.EventTaskCreated, nil)
	r.Publish("p1", domain.EventTaskCreated, nil)

	waitFor(t, func() bool { return len(sub.snapshot()) == 1 })
	if got := sub.snapshot(); got[0].ProjectID != "p1" {
		t.Fatalf("subscriber received event for project %q", got[0].ProjectID)
	}
}

func TestConcurrentPublishersKeepGlobalOrder(t *testing.T) {
	r := NewRegistry(0, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Publish("p1", domain.EventTaskCreated, nil)
			}
		}()
	}
	wg.Wait()

	all, ok := r.Backfill("p1", formatEventID(0))
	if !ok {
		t.Fatal("cursor unexpectedly out of window")
	}
	if len(all) != 400 {
		t.Fatalf("expected 400 buffered events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("buffer out of order at %d: %q then %q", i, all[i-1].ID, all[i].ID)
		}
	}
}
