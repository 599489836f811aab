package executions

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const feedBufferSize = 64

// Feed fans finalized records out to in-process subscribers. A subscriber
// that falls behind loses records rather than blocking the tracker.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	functionID string
	ch         chan *Record
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[string]*subscription)}
}

// Subscribe returns a channel of finalized records, limited to functionID
// when it is non-empty, and a function that ends the subscription.
func (f *Feed) Subscribe(functionID string) (<-chan *Record, func()) {
	id := uuid.NewString()
	sub := &subscription{functionID: functionID, ch: make(chan *Record, feedBufferSize)}

	f.mu.Lock()
	f.subs[id] = sub
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers rec to every matching subscriber.
func (f *Feed) Publish(rec *Record) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for id, sub := range f.subs {
		if sub.functionID != "" && sub.functionID != rec.FunctionID {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			log.Warn().
				Str("subscription_id", id).
				Str("execution_id", rec.ExecutionID).
				Msg("Execution feed subscriber is slow, dropping record")
		}
	}
}

// Len returns the number of active subscriptions.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
