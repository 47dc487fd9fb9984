package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/runner"
)

// subscriptionBuffer bounds how far a consumer may lag behind the live feed.
// A consumer that falls further behind is disconnected and must resubscribe
// from its last seen sequence number.
const subscriptionBuffer = 256

// Broker fans persisted run events out to in-process subscribers, keyed by
// run ID. It carries no history of its own; replay comes from the store.
type Broker struct {
	logger zerolog.Logger

	mu    sync.Mutex
	subs  map[string]map[*Subscription]struct{}
	total int
}

// Subscription is one consumer's live feed for a single run. C is closed when
// the run reaches a terminal state, the consumer lags too far behind, or
// Close is called.
type Subscription struct {
	C chan runner.Event

	broker *Broker
	runID  string
	once   sync.Once
}

// Close detaches the subscription and closes C
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// NewBroker creates an event broker
func NewBroker(logger zerolog.Logger) *Broker {
	observability.EnsureRegistered()
	return &Broker{
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a live feed for a run. Callers replay persisted history
// first and filter the feed by sequence number; attaching before the history
// read guarantees no event falls between the two.
func (b *Broker) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		C:      make(chan runner.Event, subscriptionBuffer),
		broker: b,
		runID:  runID,
	}

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.total++
	observability.SetSubscribers(b.total)
	b.mu.Unlock()

	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.runID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			b.total--
			observability.SetSubscribers(b.total)
			if len(set) == 0 {
				delete(b.subs, sub.runID)
			}
			sub.once.Do(func() { close(sub.C) })
		}
	}
	b.mu.Unlock()
}

// Publish delivers an event to every subscriber of its run. A terminal
// status-change closes all of the run's subscriptions after delivery.
func (b *Broker) Publish(ev runner.Event) {
	b.mu.Lock()
	set := b.subs[ev.RunID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	var lagging []*Subscription
	for _, sub := range targets {
		select {
		case sub.C <- ev:
		default:
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		b.logger.Warn().Str("run_id", ev.RunID).Msg("Dropping lagging event subscriber")
		b.remove(sub)
	}

	if IsTerminalEvent(ev) {
		for _, sub := range targets {
			b.remove(sub)
		}
	}
}

// IsTerminalEvent reports whether an event is a terminal status change
func IsTerminalEvent(ev runner.Event) bool {
	if ev.Kind != runner.EventStatusChange {
		return false
	}
	state, ok := ev.Payload["state"].(string)
	return ok && runner.State(state).Terminal()
}
