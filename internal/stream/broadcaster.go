package stream

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/domain"
)

const subscriberBuffer = 64

// Broadcaster keeps one ordered, append-only event log per job and fans
// published events out to any number of subscribers. Exactly one publisher
// per job (the owning orchestrator loop) and many readers.
//
// The live path never blocks the publisher: a subscriber that falls more
// than a buffer behind loses intermediate events. The terminal event is the
// exception and is delivered to every subscriber that has not departed
// before its channel closes.
type Broadcaster struct {
	mu     sync.Mutex
	jobs   map[string]*jobLog
	logger zerolog.Logger
}

type jobLog struct {
	events []domain.Event
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// subscriber pairs the delivery channel with a departure signal. The done
// channel lets a terminal delivery abort instead of blocking forever on a
// full buffer whose reader has disconnected.
type subscriber struct {
	ch   chan domain.Event
	done chan struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		jobs:   make(map[string]*jobLog),
		logger: logger,
	}
}

// Publish appends ev to the job's log and fans it out. Publishing after the
// terminal event is rejected; the log is append-only and closes on terminal.
func (b *Broadcaster) Publish(jobID string, ev domain.Event) error {
	b.mu.Lock()
	jl, ok := b.jobs[jobID]
	if !ok {
		jl = &jobLog{subs: make(map[int]*subscriber)}
		b.jobs[jobID] = jl
	}
	if jl.closed {
		b.mu.Unlock()
		return domain.ErrStreamClosed
	}

	ev.JobID = jobID
	ev.Seq = len(jl.events) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	jl.events = append(jl.events, ev)

	if ev.Type.Terminal() {
		jl.closed = true
		subs := jl.subs
		jl.subs = make(map[int]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			// The terminal event must reach every attached subscriber.
			// Deliver off the publisher goroutine so a full buffer cannot
			// stall the control loop; a departed subscriber aborts the send
			// instead of leaking the goroutine.
			go func(sub *subscriber) {
				select {
				case sub.ch <- ev:
				case <-sub.done:
				}
				close(sub.ch)
			}(sub)
		}
		return nil
	}

	for id, sub := range jl.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn().
				Str("job_id", jobID).
				Int("subscriber", id).
				Str("event", string(ev.Type)).
				Msg("broadcaster: subscriber buffer full, dropping live event")
		}
	}
	b.mu.Unlock()
	return nil
}

// Subscribe attaches to a job's stream. The channel first carries a replay
// of the most recent event, so a late subscriber learns current state before
// any live event, then live events in publish order. The returned cancel
// function detaches; it is safe to call after the stream closed.
func (b *Broadcaster) Subscribe(jobID string) (<-chan domain.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	jl, ok := b.jobs[jobID]
	if !ok {
		return nil, nil, domain.ErrJobNotFound
	}

	sub := &subscriber{
		ch:   make(chan domain.Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	if n := len(jl.events); n > 0 {
		sub.ch <- jl.events[n-1]
	}
	if jl.closed {
		close(sub.ch)
		return sub.ch, func() {}, nil
	}

	id := jl.nextID
	jl.nextID++
	jl.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Signals first: an in-flight terminal delivery holds this sub
			// outside the map and watches done.
			close(sub.done)
			b.mu.Lock()
			defer b.mu.Unlock()
			cur, ok := b.jobs[jobID]
			if !ok {
				return
			}
			if cur.subs[id] == sub {
				delete(cur.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel, nil
}

// SubscriberCount reports how many subscribers a job currently has.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	jl, ok := b.jobs[jobID]
	if !ok {
		return 0
	}
	return len(jl.subs)
}

// Events returns a copy of the job's event log.
func (b *Broadcaster) Events(jobID string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	jl, ok := b.jobs[jobID]
	if !ok {
		return nil
	}
	return append([]domain.Event(nil), jl.events...)
}

// Evict drops a job's log and closes any remaining subscribers.
func (b *Broadcaster) Evict(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	jl, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for _, sub := range jl.subs {
		close(sub.ch)
	}
	delete(b.jobs, jobID)
}
