package engine

import (
	"context"

	"onecell/internal/bus"
	"onecell/internal/metrics"
)

// PollOnce runs one aggregation pass and publishes the messages not seen
// before in this process. A call made while another pass is in flight is
// skipped. It returns the number of messages published.
func (e *Engine) PollOnce(ctx context.Context) (published int) {
	if !e.polling.CompareAndSwap(false, true) {
		metrics.PollSkipped.Inc()
		e.logger.Debug("poll pass still running, skipping tick")
		return 0
	}
	defer e.polling.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("poll pass panicked", "panic", r)
			published = 0
		}
	}()

	msgs := e.agg.GetAllMessages(ctx, e.pollLimit)
	fresh := e.seen.Filter(msgs)
	metrics.PollTicks.Inc()
	if len(fresh) == 0 {
		return 0
	}
	e.logger.Debug("poll pass", "fetched", len(msgs), "new", len(fresh))
	e.publish(bus.SourcePoll, fresh)
	return len(fresh)
}
