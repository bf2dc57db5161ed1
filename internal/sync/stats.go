package sync

import (
	"sync"
	"time"
)

// Stats is the observable snapshot the UI layer consumes. Errors counts
// the items that failed during the most recent run only, not a cumulative
// total.
type Stats struct {
	Pending  int
	Running  bool
	Errors   int
	LastSync time.Time
}

// statsBuffer bounds each subscriber's channel. When a slow subscriber
// falls behind, the oldest snapshot is dropped so delivery stays ordered
// and the engine never blocks on a consumer.
const statsBuffer = 16

// Publisher broadcasts [Stats] snapshots to subscribers. The engine
// publishes one snapshot after every completed run; subscribers receive
// snapshots in publish order.
type Publisher struct {
	mu   sync.Mutex
	subs map[int]chan Stats
	next int
	last Stats
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[int]chan Stats)}
}

// Subscribe returns a channel of stats snapshots and an unsubscribe
// function. The channel is closed on unsubscribe.
func (p *Publisher) Subscribe() (<-chan Stats, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.next
	p.next++
	ch := make(chan Stats, statsBuffer)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			close(ch)
		})
	}
}

// Publish records s as the latest snapshot and delivers it to every
// subscriber, dropping each subscriber's oldest pending snapshot when its
// buffer is full.
func (p *Publisher) Publish(s Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = s
	for _, ch := range p.subs {
		for {
			select {
			case ch <- s:
			default:
				// Buffer full: discard the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Last returns the most recently published snapshot.
func (p *Publisher) Last() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
