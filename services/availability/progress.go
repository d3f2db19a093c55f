package availability

import "sync"

// progressBroker fans crawl progress out to any number of listeners
// (the SSE handler subscribes one channel per connected client). A
// slow listener never blocks the crawl: updates it cannot keep up with
// are dropped, only the most recent percentage matters anyway.
type progressBroker struct {
	mu   sync.Mutex
	subs map[chan int]struct{}
}

func newProgressBroker() *progressBroker {
	return &progressBroker{subs: map[chan int]struct{}{}}
}

func (b *progressBroker) publish(pct int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- pct:
		default:
		}
	}
}

func (b *progressBroker) subscribe() (<-chan int, func()) {
	ch := make(chan int, 16)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}
