package engine

import (
	"context"
	"fmt"

	"onecell/internal/bus"
	"onecell/internal/domain"
	"onecell/internal/metrics"
)

// IngestWebhook normalizes a platform push payload. Receipts update the
// delivery tracker; a message is recorded and published immediately as a
// single-message batch. A payload without a message is not an error.
func (e *Engine) IngestWebhook(_ context.Context, platform domain.PlatformID, payload []byte) error {
	ad, ok := e.registry.Adapter(platform)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, platform)
	}
	p := string(platform)
	metrics.WebhookEvents(p).Inc()

	if rd, ok := ad.(domain.ReceiptDecoder); ok {
		receipts, err := rd.DecodeReceipts(payload)
		if err != nil {
			e.logger.Debug("webhook receipts not decoded", "platform", p, "err", err)
		}
		for _, rc := range receipts {
			if changed := e.tracker.ApplyReceipt(rc); len(changed) > 0 {
				e.logger.Debug("receipt applied", "platform", p, "status", rc.Status, "messages", len(changed))
			}
		}
	}

	msg, err := ad.NormalizeWebhook(payload)
	if err != nil {
		metrics.DecodeErrors(p).Inc()
		return fmt.Errorf("normalize %s webhook: %w", p, err)
	}
	if msg == nil {
		return nil
	}

	e.seen.Add(msg.Key())
	e.agg.Record(*msg)
	e.publish(bus.SourceWebhook, []domain.Message{*msg})
	return nil
}
