// Package agent keeps one display's view of its room in sync with the
// booking server.
//
// The agent holds a push subscription to the server's change stream and
// re-fetches the room's events for today whenever any change arrives.
// When the stream is down it reconnects after a fixed delay and, if the
// data has gone stale, polls. All state lives in a single control loop;
// stream readers, fetches and timers only post messages to it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"roomcal/internal/clock"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
)

type State int

const (
	Connecting State = iota
	Streaming
	Disconnected
	Polling
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Disconnected:
		return "disconnected"
	case Polling:
		return "polling"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Fetcher loads the room's events overlapping [from, to).
type Fetcher interface {
	Fetch(ctx context.Context, from, to time.Time) ([]model.Event, error)
}

// Subscriber opens the change stream.
type Subscriber interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// Stream yields change notifications until it fails or is closed. Close
// must be safe to call more than once and must unblock a pending Next.
type Stream interface {
	Next() (model.ChangeNotification, error)
	Close() error
}

// Heartbeater signals device liveness after a successful fetch.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

const (
	DefaultReconnectDelay  = 5 * time.Second
	DefaultPollInterval    = 30 * time.Second
	DefaultStaleAfter      = 30 * time.Second
	DefaultFreshnessWindow = 60 * time.Second
	DefaultRollover        = "0 0 * * *"
)

type Options struct {
	Fetcher     Fetcher
	Subscriber  Subscriber
	Heartbeater Heartbeater // optional
	Clock       clock.Clock
	// Location is the room timezone that defines "today".
	Location *time.Location

	ReconnectDelay  time.Duration
	PollInterval    time.Duration
	StaleAfter      time.Duration
	FreshnessWindow time.Duration
	// Rollover is a standard cron expression, evaluated in Location, at
	// which the agent re-fetches for the new day.
	Rollover string

	// Initial seeds the view before the first fetch, e.g. from a disk
	// cache. It does not count as a successful fetch.
	Initial []model.Event
}

// Snapshot is what a display renders.
type Snapshot struct {
	State     State
	Online    bool
	Date      model.Date
	Past      []model.Occurrence
	Current   []model.Occurrence
	Upcoming  []model.Occurrence
	LastFetch time.Time
}

// view is the part of the loop state readers may see.
type view struct {
	state       State
	events      []model.Event
	lastSuccess time.Time
	// streamEnded is when the agent last left Streaming. Freshness counts
	// from it too, so a long quiet stream does not go offline the moment
	// it drops.
	streamEnded time.Time
}

type Agent struct {
	fetcher     Fetcher
	subscriber  Subscriber
	heartbeater Heartbeater
	clock       clock.Clock
	loc         *time.Location
	rollover    cron.Schedule

	reconnectDelay  time.Duration
	pollInterval    time.Duration
	staleAfter      time.Duration
	freshnessWindow time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan message
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the control loop.
	state         State
	events        []model.Event
	lastSuccess   time.Time
	streamEnded   time.Time
	fetching      bool
	fetchPending  bool
	gen           int
	cancelStream  context.CancelFunc
	reconnect     *clock.Timer
	rolloverTimer *clock.Timer
	poll          *clock.Ticker

	mu   sync.Mutex
	seen view
}

func New(opts Options) (*Agent, error) {
	if opts.Fetcher == nil || opts.Subscriber == nil {
		return nil, errors.New("agent: fetcher and subscriber are required")
	}
	a := &Agent{
		fetcher:         opts.Fetcher,
		subscriber:      opts.Subscriber,
		heartbeater:     opts.Heartbeater,
		clock:           opts.Clock,
		loc:             opts.Location,
		reconnectDelay:  orDefault(opts.ReconnectDelay, DefaultReconnectDelay),
		pollInterval:    orDefault(opts.PollInterval, DefaultPollInterval),
		staleAfter:      orDefault(opts.StaleAfter, DefaultStaleAfter),
		freshnessWindow: orDefault(opts.FreshnessWindow, DefaultFreshnessWindow),
		inbox:           make(chan message, 32),
		state:           Connecting,
		events:          opts.Initial,
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.loc == nil {
		a.loc = time.UTC
	}
	spec := opts.Rollover
	if spec == "" {
		spec = DefaultRollover
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("agent: rollover %q: %w", spec, err)
	}
	a.rollover = sched
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.publish()
	return a, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start launches the control loop: the first subscription attempt and the
// first fetch happen immediately.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		// Timers exist before the loop runs so tests can advance a fake
		// clock right after Start.
		a.poll = a.clock.NewTicker(a.pollInterval)
		a.scheduleRollover()

		a.wg.Add(1)
		go a.run()
	})
}

// Close stops the timers, closes the stream and waits for every goroutine
// the agent started. Closing the stream is what lets the server
// unregister the session.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		a.wg.Wait()
		appLog.Info("agent: stopped")
	})
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seen.state
}

// Online reports whether the display should show itself as connected:
// streaming, or a successful fetch within the freshness window.
func (a *Agent) Online() bool {
	a.mu.Lock()
	v := a.seen
	a.mu.Unlock()
	return a.online(v, a.clock.Now())
}

func (a *Agent) online(v view, now time.Time) bool {
	if v.state == Streaming {
		return true
	}
	return a.fresh(v.lastSuccess, now) || a.fresh(v.streamEnded, now)
}

func (a *Agent) fresh(t, now time.Time) bool {
	return !t.IsZero() && now.Sub(t) <= a.freshnessWindow
}

// Snapshot resolves the last fetched events for the current day.
func (a *Agent) Snapshot() Snapshot {
	now := a.clock.Now()
	a.mu.Lock()
	v := a.seen
	a.mu.Unlock()

	date := model.DateIn(now, a.loc)
	past, current, upcoming := schedule.Classify(schedule.Day(v.events, date, a.loc), now)
	return Snapshot{
		State:     v.state,
		Online:    a.online(v, now),
		Date:      date,
		Past:      past,
		Current:   current,
		Upcoming:  upcoming,
		LastFetch: v.lastSuccess,
	}
}

// message is anything posted to the control loop.
type message any

type streamUp struct{ gen int }

type streamDown struct {
	gen int
	err error
}

type notified struct {
	gen int
	n   model.ChangeNotification
}

type fetchDone struct {
	events []model.Event
	err    error
	at     time.Time
}

type reconnectDue struct{}

type rolloverDue struct{}

// post hands m to the loop. It gives up once the agent is closing.
func (a *Agent) post(m message) {
	select {
	case a.inbox <- m:
	case <-a.ctx.Done():
	}
}

func (a *Agent) run() {
	defer a.wg.Done()
	defer a.teardown()

	appLog.Info("agent: started", "tz", a.loc.String(),
		"reconnect_delay", a.reconnectDelay.String(), "poll_interval", a.pollInterval.String())
	a.connect()
	a.requestFetch("startup")
	a.publish()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.poll.C:
			a.onPollTick()
		case m := <-a.inbox:
			a.handle(m)
		}
		a.publish()
	}
}

func (a *Agent) teardown() {
	a.poll.Stop()
	if a.reconnect != nil {
		a.reconnect.Stop()
	}
	if a.rolloverTimer != nil {
		a.rolloverTimer.Stop()
	}
	if a.cancelStream != nil {
		a.cancelStream()
	}
}

func (a *Agent) handle(m message) {
	switch m := m.(type) {
	case streamUp:
		if m.gen != a.gen {
			return
		}
		appLog.Info("agent: stream connected")
		a.setState(Streaming)
		// Anything emitted while we were away was lost; catch up.
		a.requestFetch("stream connected")

	case streamDown:
		if m.gen != a.gen {
			return
		}
		appLog.Warn("agent: stream unavailable", "err", m.err, "retry_in", a.reconnectDelay.String())
		a.cancelStream()
		a.reconnect = a.clock.AfterFunc(a.reconnectDelay, func() { a.post(reconnectDue{}) })
		a.setState(Disconnected)

	case reconnectDue:
		if a.state == Disconnected || a.state == Polling {
			a.setState(Connecting)
			a.connect()
		}

	case notified:
		if m.gen != a.gen {
			return
		}
		appLog.Debug("agent: change received", "kind", string(m.n.Kind), "event_id", m.n.EventID, "room_id", m.n.RoomID)
		a.requestFetch("change notification")

	case fetchDone:
		a.fetching = false
		if m.err != nil {
			if !errors.Is(m.err, context.Canceled) {
				appLog.Warn("agent: fetch failed", "err", m.err)
			}
		} else {
			a.events = m.events
			a.lastSuccess = m.at
			appLog.Debug("agent: fetch succeeded", "events", len(m.events))
			a.heartbeat()
		}
		if a.state == Polling {
			a.setState(Disconnected)
		}
		if a.fetchPending {
			a.fetchPending = false
			a.startFetch()
		}

	case rolloverDue:
		a.requestFetch("day rollover")
		a.scheduleRollover()
	}
}

// onPollTick is the fallback: refetch when the stream is down and the
// data is older than staleAfter. Data exactly staleAfter old is still fresh.
func (a *Agent) onPollTick() {
	if a.state == Streaming || a.fetching {
		return
	}
	if !a.lastSuccess.IsZero() && a.clock.Now().Sub(a.lastSuccess) <= a.staleAfter {
		return
	}
	if a.state == Disconnected {
		a.setState(Polling)
	}
	appLog.Debug("agent: polling", "state", a.state.String(), "last_success", a.lastSuccess)
	a.startFetch()
}

func (a *Agent) setState(s State) {
	if a.state == Streaming && s != Streaming {
		a.streamEnded = a.clock.Now()
	}
	a.state = s
}

// connect starts a subscription attempt under a new generation; messages
// from older attempts are ignored.
func (a *Agent) connect() {
	if a.cancelStream != nil {
		a.cancelStream()
	}
	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(a.ctx)
	a.cancelStream = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		stream, err := a.subscriber.Subscribe(ctx)
		if err != nil {
			a.post(streamDown{gen: gen, err: err})
			return
		}
		defer stream.Close()
		stop := context.AfterFunc(ctx, func() { stream.Close() })
		defer stop()

		a.post(streamUp{gen: gen})
		for {
			n, err := stream.Next()
			if err != nil {
				if ctx.Err() == nil {
					a.post(streamDown{gen: gen, err: err})
				}
				return
			}
			a.post(notified{gen: gen, n: n})
		}
	}()
}

func (a *Agent) requestFetch(reason string) {
	if a.fetching {
		a.fetchPending = true
		return
	}
	appLog.Debug("agent: fetching", "reason", reason)
	a.startFetch()
}

func (a *Agent) startFetch() {
	a.fetching = true
	date := model.DateIn(a.clock.Now(), a.loc)
	from, to := date.In(a.loc), date.AddDays(1).In(a.loc)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		events, err := a.fetcher.Fetch(a.ctx, from, to)
		a.post(fetchDone{events: events, err: err, at: a.clock.Now()})
	}()
}

// heartbeat is fire and forget; its outcome never touches agent state.
func (a *Agent) heartbeat() {
	if a.heartbeater == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.heartbeater.Heartbeat(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Debug("agent: heartbeat failed", "err", err)
		}
	}()
}

func (a *Agent) scheduleRollover() {
	now := a.clock.Now()
	next := a.rollover.Next(now.In(a.loc))
	if next.IsZero() {
		return
	}
	a.rolloverTimer = a.clock.AfterFunc(next.Sub(now), func() { a.post(rolloverDue{}) })
}

func (a *Agent) publish() {
	a.mu.Lock()
	a.seen = view{
		state:       a.state,
		events:      a.events,
		lastSuccess: a.lastSuccess,
		streamEnded: a.streamEnded,
	}
	a.mu.Unlock()
}
