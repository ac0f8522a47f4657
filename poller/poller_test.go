package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"captcha-gatekeeper/apperrors"
	"captcha-gatekeeper/detection"
	"captcha-gatekeeper/handlers"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu      sync.Mutex
	events  []handlers.Event
	lastID  int
	errs    []error
	offsets []int
}

func (f *fakeFeed) Fetch(ctx context.Context, offset int, _ time.Duration) (Batch, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return Batch{}, err
	}
	var out []handlers.Event
	last := f.lastID
	for _, ev := range f.events {
		if ev.EventID() >= offset {
			out = append(out, ev)
			last = max(last, ev.EventID())
		}
	}
	f.mu.Unlock()

	if len(out) == 0 && last < offset {
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-time.After(2 * time.Millisecond):
			return Batch{}, nil
		}
	}
	return Batch{Events: out, LastID: last}, nil
}

type seen struct {
	id   int
	user int64
}

type recorder struct {
	mu   sync.Mutex
	seen []seen
	fail func(ev handlers.Event, attempt int) error
	hits map[seen]int
}

func (r *recorder) HandleEvent(_ context.Context, ev handlers.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := seen{id: ev.EventID(), user: ev.Sender().UserID}
	if r.hits == nil {
		r.hits = make(map[seen]int)
	}
	r.hits[key]++
	r.seen = append(r.seen, key)
	if r.fail != nil {
		return r.fail(ev, r.hits[key])
	}
	return nil
}

func (r *recorder) snapshot() []seen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]seen(nil), r.seen...)
}

type memCheckpoint struct {
	mu      sync.Mutex
	offsets map[string]int
}

func (m *memCheckpoint) LoadOffset(_ context.Context, feed string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[feed], nil
}

func (m *memCheckpoint) SaveOffset(_ context.Context, feed string, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[feed] = offset
	return nil
}

func (m *memCheckpoint) get(feed string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[feed]
}

func msg(id int, user int64) handlers.Event {
	return handlers.Message{ID: id, ChatID: -1, User: detection.Profile{UserID: user}, Text: "hi"}
}

func join(id int, user int64) handlers.Event {
	return handlers.Join{ID: id, ChatID: -1, User: detection.Profile{UserID: user}}
}

// runUntil runs p until done reports true, then cancels and waits for Run.
func runUntil(t *testing.T, p *Poller, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, done, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func newPoller(feed Feed, d Dispatcher, cp Checkpoint) *Poller {
	return New(feed, d, Options{PollTimeout: time.Millisecond, RetryDelay: time.Millisecond, Checkpoint: cp}, zerolog.Nop())
}

func TestRunProcessesInOrderAndAdvances(t *testing.T) {
	feed := &fakeFeed{events: []handlers.Event{msg(1, 10), msg(2, 20), msg(3, 30)}}
	rec := &recorder{}
	p := newPoller(feed, rec, nil)

	runUntil(t, p, func() bool { return p.Offset() == 4 })

	assert.Equal(t, []seen{{1, 10}, {2, 20}, {3, 30}}, rec.snapshot())
}

func TestRunRetriesTransientFailure(t *testing.T) {
	feed := &fakeFeed{events: []handlers.Event{msg(1, 10), msg(2, 20), msg(3, 30)}}
	rec := &recorder{fail: func(ev handlers.Event, attempt int) error {
		if ev.EventID() == 2 && attempt == 1 {
			return apperrors.ErrStoreUnavailable
		}
		return nil
	}}
	p := newPoller(feed, rec, nil)

	runUntil(t, p, func() bool { return p.Offset() == 4 })

	assert.Equal(t, []seen{{1, 10}, {2, 20}, {2, 20}, {3, 30}}, rec.snapshot())
}

func TestRunSkipsPermanentFailure(t *testing.T) {
	feed := &fakeFeed{events: []handlers.Event{msg(1, 10), msg(2, 20), msg(3, 30)}}
	rec := &recorder{fail: func(ev handlers.Event, _ int) error {
		if ev.EventID() == 2 {
			return apperrors.NewTelegramError("sendMessage", errors.New("chat not found"), false)
		}
		return nil
	}}
	p := newPoller(feed, rec, nil)

	runUntil(t, p, func() bool { return p.Offset() == 4 })

	assert.Equal(t, []seen{{1, 10}, {2, 20}, {3, 30}}, rec.snapshot())
}

func TestRunRedeliversWholeUpdate(t *testing.T) {
	// Two members joined in one update.
	feed := &fakeFeed{events: []handlers.Event{join(5, 50), join(5, 51)}}
	rec := &recorder{fail: func(ev handlers.Event, attempt int) error {
		if ev.Sender().UserID == 51 && attempt == 1 {
			return apperrors.NewTelegramError("restrictChatMember", errors.New("bad gateway"), true)
		}
		return nil
	}}
	p := newPoller(feed, rec, nil)

	runUntil(t, p, func() bool { return p.Offset() == 6 })

	assert.Equal(t, []seen{{5, 50}, {5, 51}, {5, 50}, {5, 51}}, rec.snapshot())
}

func TestRunRetriesFetchErrors(t *testing.T) {
	feed := &fakeFeed{
		events: []handlers.Event{msg(1, 10)},
		errs:   []error{errors.New("connection reset"), errors.New("connection reset")},
	}
	rec := &recorder{}
	p := newPoller(feed, rec, nil)

	runUntil(t, p, func() bool { return p.Offset() == 2 })

	assert.Equal(t, []seen{{1, 10}}, rec.snapshot())
	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Equal(t, []int{0, 0, 0}, feed.offsets[:3], "failed fetches never advance the cursor")
}

func TestRunAdvancesPastIgnoredUpdates(t *testing.T) {
	feed := &fakeFeed{lastID: 10}
	p := newPoller(feed, &recorder{}, nil)

	runUntil(t, p, func() bool { return p.Offset() == 11 })
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	cp := &memCheckpoint{offsets: map[string]int{"telegram": 3}}
	feed := &fakeFeed{events: []handlers.Event{msg(1, 10), msg(2, 20), msg(3, 30), msg(4, 40)}}
	rec := &recorder{}
	p := newPoller(feed, rec, cp)

	runUntil(t, p, func() bool { return cp.get("telegram") == 5 })

	assert.Equal(t, []seen{{3, 30}, {4, 40}}, rec.snapshot())
	assert.Equal(t, 5, p.Offset())
}

func TestRunStopsBetweenEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := &fakeFeed{events: []handlers.Event{msg(1, 10), msg(2, 20), msg(3, 30)}}
	rec := &recorder{fail: func(ev handlers.Event, _ int) error {
		if ev.EventID() == 1 {
			cancel()
		}
		return nil
	}}
	p := newPoller(feed, rec, nil)

	require.NoError(t, p.Run(ctx))

	assert.Equal(t, []seen{{1, 10}}, rec.snapshot(), "the in-flight event completes, the rest wait")
	assert.Equal(t, 2, p.Offset())
}

// stepDispatcher performs two context-aware steps per event, like a restrict
// followed by a store write, and cancels the run during the first event.
type stepDispatcher struct {
	mu        sync.Mutex
	cancelRun context.CancelFunc
	completed []int
}

func (d *stepDispatcher) step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return apperrors.NewTelegramError("restrictChatMember", ctx.Err(), true)
	case <-time.After(5 * time.Millisecond):
		return nil
	}
}

func (d *stepDispatcher) HandleEvent(ctx context.Context, ev handlers.Event) error {
	if err := d.step(ctx); err != nil {
		return err
	}
	if ev.EventID() == 1 {
		d.cancelRun()
	}
	if err := d.step(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.completed = append(d.completed, ev.EventID())
	d.mu.Unlock()
	return nil
}

func TestShutdownDoesNotInterruptEventInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cp := &memCheckpoint{offsets: map[string]int{}}
	feed := &fakeFeed{events: []handlers.Event{join(1, 10), join(2, 20)}}
	d := &stepDispatcher{cancelRun: cancel}
	p := newPoller(feed, d, cp)

	require.NoError(t, p.Run(ctx))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []int{1}, d.completed, "the event in flight finishes every step")
	assert.Equal(t, 2, p.Offset())
	assert.Equal(t, 2, cp.get("telegram"))
}

func TestEventTimeoutBoundsDispatch(t *testing.T) {
	feed := &fakeFeed{events: []handlers.Event{msg(1, 10)}}
	var deadline time.Time
	d := dispatcherFunc(func(ctx context.Context, _ handlers.Event) error {
		deadline, _ = ctx.Deadline()
		return nil
	})
	p := New(feed, d, Options{PollTimeout: time.Millisecond, RetryDelay: time.Millisecond, EventTimeout: time.Minute}, zerolog.Nop())

	start := time.Now()
	runUntil(t, p, func() bool { return p.Offset() == 2 })

	assert.WithinDuration(t, start.Add(time.Minute), deadline, 5*time.Second)
}

type dispatcherFunc func(ctx context.Context, ev handlers.Event) error

func (f dispatcherFunc) HandleEvent(ctx context.Context, ev handlers.Event) error {
	return f(ctx, ev)
}
