package signals

import "sync"

// Tiny in-process pubsub. The API notifies on writes so the stats cache
// can drop its counters instead of waiting out its ttl.

type Signal string

const NewsletterChanged Signal = "newsletter-changed"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
