package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 64

// BroadcasterConfig tunes per-subscriber delivery.
type BroadcasterConfig struct {
	// SubscriberBuffer is the channel capacity of each subscription (default 64).
	SubscriberBuffer int
	Logger           *zap.Logger
}

// Subscription is one listener joined to a job's event stream. Events arrive
// on C until Unsubscribe closes it.
type Subscription struct {
	id    uint64
	jobID string
	ch    chan Event
}

// JobID returns the job the subscription listens to.
func (s *Subscription) JobID() string { return s.jobID }

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Broadcaster delivers job events to the listeners currently subscribed to
// that job. Delivery is at most once: there is no replay for late joiners and
// a subscriber whose buffer is full misses the event. Every valid event is
// also forwarded to the sink pipeline when one is attached.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool

	buffer int
	sinks  Emitter
	logger *zap.Logger
	drops  dropCounter
}

// NewBroadcaster builds a Broadcaster. sinks may be nil.
func NewBroadcaster(cfg BroadcasterConfig, sinks Emitter) *Broadcaster {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[uint64]*Subscription),
		buffer: cfg.SubscriberBuffer,
		sinks:  sinks,
		logger: logger.Named("progress"),
		drops:  dropCounter{interval: dropLogInterval},
	}
}

// Subscribe joins the stream of jobID. After Close it returns a subscription
// whose channel is already closed.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, jobID: jobID, ch: make(chan Event, b.buffer)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	group, ok := b.subs[jobID]
	if !ok {
		group = make(map[uint64]*Subscription)
		b.subs[jobID] = group
	}
	group[sub.id] = sub
	return sub
}

// Unsubscribe leaves the stream and closes the subscription channel. It is
// safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := group[sub.id]; !ok {
		return
	}
	delete(group, sub.id)
	close(sub.ch)
	if len(group) == 0 {
		delete(b.subs, sub.jobID)
	}
}

// Subscribers reports how many listeners are joined to jobID.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

// Emit delivers evt to the job's subscribers without blocking.
func (b *Broadcaster) Emit(evt Event) {
	if err := evt.Validate(); err != nil {
		b.logger.Debug("discarding invalid job event", zap.Error(err))
		return
	}
	b.mu.RLock()
	for _, sub := range b.subs[evt.JobID] {
		select {
		case sub.ch <- evt:
		default:
			if n, report := b.drops.Add(time.Now()); report {
				b.logger.Warn("slow subscriber missed job events",
					zap.String("job_id", evt.JobID), zap.Int64("dropped", n))
			}
		}
	}
	b.mu.RUnlock()
	if b.sinks != nil {
		b.sinks.Emit(evt)
	}
}

// Close ends every subscription and closes the sink pipeline when it is a Hub.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for jobID, group := range b.subs {
			for _, sub := range group {
				close(sub.ch)
			}
			delete(b.subs, jobID)
		}
	}
	b.mu.Unlock()
	if hub, ok := b.sinks.(*Hub); ok {
		return hub.Close(ctx)
	}
	return nil
}
