package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"onecell/internal/domain"
	"onecell/internal/metrics"
)

// SendMessage sends a text message to contactID. For an unauthenticated
// platform, or once the engine is shut down, it does nothing and returns
// the zero Message and false. Otherwise the returned Message carries its
// final status and the bool reports whether the platform accepted it.
//
// The platform call is detached from ctx cancellation and bounded by the
// send timeout.
func (e *Engine) SendMessage(ctx context.Context, platform domain.PlatformID, contactID, content string) (domain.Message, bool) {
	ad, ok := e.registry.Authenticated(platform)
	if !ok {
		return domain.Message{}, false
	}

	e.lifeMu.RLock()
	if e.closed {
		e.lifeMu.RUnlock()
		return domain.Message{}, false
	}
	e.sends.Add(1)
	e.lifeMu.RUnlock()
	defer e.sends.Done()

	msg := domain.Message{
		ID:        uuid.NewString(),
		Platform:  platform,
		ContactID: contactID,
		Direction: domain.Outbound,
		Content:   content,
		Type:      domain.TypeText,
		Timestamp: time.Now(),
		Status:    domain.StatusSent,
	}
	e.agg.Record(msg)
	e.tracker.Begin(msg)

	p := string(platform)
	metrics.SendsTotal(p).Inc()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sendTimeout)
	defer cancel()
	var remoteID string
	err := e.limiter.Wait(sendCtx, platform)
	if err != nil {
		err = fmt.Errorf("%w: send rate limit: %v", domain.ErrTransientNetwork, err)
	} else {
		remoteID, err = safeSend(sendCtx, ad, contactID, content)
	}
	if err != nil {
		metrics.SendFailures(p).Inc()
		e.logger.Warn("send failed", "platform", p, "contact", contactID, "message", msg.ID, "err", err)
	} else if remoteID != "" {
		// The platform will hand this message back on the next pull; the
		// aggregator folds that copy into ours.
		remote := domain.MessageKey{Platform: platform, ID: remoteID}
		e.seen.Add(remote)
		e.seen.Add(msg.Key())
		e.agg.Alias(remote, msg.Key())
	}

	final, terr := e.tracker.Resolve(msg.Key(), remoteID, err)
	if terr != nil {
		e.logger.Error("resolve send status", "message", msg.ID, "err", terr)
		final = msg
	}
	return final, err == nil
}

func safeSend(ctx context.Context, ad domain.Adapter, contactID, content string) (remoteID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: send panicked: %v", domain.ErrTransientNetwork, r)
		}
	}()
	return ad.Send(ctx, contactID, content)
}

// MarkAsRead tells the platform that messageID was read, moves the
// contact's read marker and, for a tracked outbound message, its delivery
// status. It returns false for an unauthenticated platform or when the
// platform call fails.
func (e *Engine) MarkAsRead(ctx context.Context, platform domain.PlatformID, messageID string) bool {
	ad, ok := e.registry.Authenticated(platform)
	if !ok {
		return false
	}

	key := domain.MessageKey{Platform: platform, ID: messageID}
	remoteID := messageID
	if local, ok := e.tracker.LocalKey(platform, messageID); ok {
		key = local
	} else if rid, ok := e.tracker.RemoteID(key); ok {
		remoteID = rid
	}

	callCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if err := ad.MarkRead(callCtx, remoteID); err != nil {
		e.logger.Warn("mark read failed", "platform", platform, "message", messageID, "err", err)
		return false
	}

	e.agg.MarkRead(platform, messageID)
	if _, tracked := e.tracker.Get(key); tracked {
		if _, err := e.tracker.MarkRead(key); err != nil {
			e.logger.Debug("tracker mark read", "message", key.String(), "err", err)
		}
	}
	return true
}
