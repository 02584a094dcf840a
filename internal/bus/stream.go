package bus

import "sync"

// Stream subscribes a buffered channel to eventType. Delivery is
// best-effort: when the buffer is full the event is dropped for this
// subscriber and a warning is logged. Call cancel to unsubscribe; it
// closes the channel.
func (eb *EventBus) Stream(eventType string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	id := eb.On(eventType, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			eb.logger.Warn("event stream full, dropping event", "event", e.Type, "buffer", buffer)
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			eb.Off(eventType, id)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}
