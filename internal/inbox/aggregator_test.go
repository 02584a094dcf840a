package inbox

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"onecell/internal/channel/channeltest"
	"onecell/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticSource serves a fixed adapter list, all considered authenticated.
type staticSource []domain.Adapter

func (s staticSource) AuthenticatedAdapters() []domain.Adapter { return s }

func (s staticSource) Authenticated(id domain.PlatformID) (domain.Adapter, bool) {
	for _, a := range s {
		if a.Platform() == id {
			return a, true
		}
	}
	return nil, false
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(p domain.PlatformID, id, contact string, offset time.Duration) domain.Message {
	return domain.Message{
		ID: id, Platform: p, ContactID: contact, Direction: domain.Inbound,
		Content: id, Type: domain.TypeText, Timestamp: base.Add(offset), Status: domain.StatusDelivered,
	}
}

func authed(t *testing.T, p domain.PlatformID, msgs ...domain.Message) *channeltest.FakeAdapter {
	t.Helper()
	f := channeltest.New(p)
	if err := f.Authenticate(context.Background(), domain.Credential{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	f.SetMessages(msgs...)
	return f
}

func TestGetAllMessages_SortedAndUnique(t *testing.T) {
	tg := authed(t, domain.Telegram,
		msg(domain.Telegram, "1", "a", 1*time.Minute),
		msg(domain.Telegram, "2", "a", 3*time.Minute),
		msg(domain.Telegram, "1", "a", 1*time.Minute),
	)
	wa := authed(t, domain.WhatsApp,
		msg(domain.WhatsApp, "1", "b", 2*time.Minute),
		msg(domain.WhatsApp, "9", "b", 3*time.Minute),
	)
	agg := NewAggregator(Config{Source: staticSource{wa, tg}, Logger: testLogger()})

	got := agg.GetAllMessages(context.Background(), 10)
	if len(got) != 4 {
		t.Fatalf("expected 4 unique messages, got %d: %+v", len(got), got)
	}
	seen := map[domain.MessageKey]bool{}
	for i, m := range got {
		if seen[m.Key()] {
			t.Errorf("duplicate key %s", m.Key())
		}
		seen[m.Key()] = true
		if i > 0 && got[i-1].Timestamp.Before(m.Timestamp) {
			t.Errorf("not sorted at %d", i)
		}
	}
	// Equal timestamps break ties by platform order (whatsapp before telegram).
	if got[0].Platform != domain.WhatsApp || got[1].Platform != domain.Telegram {
		t.Errorf("tie-break order: %s then %s", got[0].Platform, got[1].Platform)
	}
}

func TestGetAllMessages_FailingAdapterIsolated(t *testing.T) {
	good := authed(t, domain.Telegram, msg(domain.Telegram, "1", "a", 0))
	bad := authed(t, domain.Messenger)
	bad.PullFunc = func(context.Context, int) []domain.Message { panic("boom") }
	slow := authed(t, domain.Instagram)
	block := make(chan struct{})
	defer close(block)
	slow.PullFunc = func(context.Context, int) []domain.Message {
		<-block // ignores its context entirely
		return []domain.Message{msg(domain.Instagram, "late", "z", 0)}
	}

	agg := NewAggregator(Config{
		Source:      staticSource{good, bad, slow},
		PullTimeout: 50 * time.Millisecond,
		Logger:      testLogger(),
	})

	start := time.Now()
	got := agg.GetAllMessages(context.Background(), 10)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("slow adapter blocked aggregation for %v", elapsed)
	}
	if len(got) != 1 || got[0].Platform != domain.Telegram {
		t.Errorf("expected only telegram's message, got %+v", got)
	}
}

func TestGetMessagesByPlatform(t *testing.T) {
	tg := authed(t, domain.Telegram, msg(domain.Telegram, "1", "a", 0), msg(domain.Telegram, "2", "a", time.Second))
	agg := NewAggregator(Config{Source: staticSource{tg}, Logger: testLogger()})

	got := agg.GetMessagesByPlatform(context.Background(), domain.Telegram, 10)
	if len(got) != 2 || got[0].ID != "2" {
		t.Errorf("unexpected %+v", got)
	}
	if agg.GetMessagesByPlatform(context.Background(), domain.WhatsApp, 10) != nil {
		t.Error("unauthenticated platform should yield nothing")
	}
}

func TestGetAllContacts(t *testing.T) {
	ms := authed(t, domain.Messenger)
	ms.Contacts = []domain.Contact{{ID: "u1", DisplayName: "Ana", Platform: domain.Messenger, IsOnline: true}}
	wa := authed(t, domain.WhatsApp)
	agg := NewAggregator(Config{Source: staticSource{wa, ms}, Logger: testLogger()})

	contacts := agg.GetAllContacts(context.Background())
	if len(contacts) != 1 || contacts[0].DisplayName != "Ana" {
		t.Fatalf("contacts = %+v", contacts)
	}

	agg.Record(msg(domain.Messenger, "m1", "u1", 0))
	entries := agg.Inbox()
	if len(entries) != 1 || entries[0].Contact.DisplayName != "Ana" || !entries[0].Contact.IsOnline {
		t.Errorf("inbox should use cached contact: %+v", entries)
	}
}

func TestInbox_UnreadAndMarkRead(t *testing.T) {
	agg := NewAggregator(Config{Source: staticSource{}, Logger: testLogger()})
	ck := domain.ContactKey{Platform: domain.Telegram, ID: "a"}

	out := msg(domain.Telegram, "o1", "a", 30*time.Second)
	out.Direction = domain.Outbound
	agg.Record(
		msg(domain.Telegram, "1", "a", 0),
		msg(domain.Telegram, "2", "a", time.Minute),
		out,
		msg(domain.WhatsApp, "1", "b", 2*time.Minute),
	)

	if n := agg.UnreadCount(ck); n != 2 {
		t.Fatalf("unread = %d, want 2 (outbound not counted)", n)
	}
	if agg.MarkRead(domain.Telegram, "1") {
		t.Error("marking an older message must not reset the counter")
	}
	if n := agg.UnreadCount(ck); n != 2 {
		t.Errorf("unread after stale mark = %d", n)
	}
	if !agg.MarkRead(domain.Telegram, "2") {
		t.Fatal("marking the latest message should reset")
	}
	if n := agg.UnreadCount(ck); n != 0 {
		t.Errorf("unread after mark = %d", n)
	}

	agg.Record(msg(domain.Telegram, "3", "a", 5*time.Minute))
	if n := agg.UnreadCount(ck); n != 1 {
		t.Errorf("new message after marker should count, got %d", n)
	}

	entries := agg.Inbox()
	if len(entries) != 2 || entries[0].Contact.ID != "a" || entries[0].LastMessage.ID != "3" {
		t.Errorf("inbox order/last message wrong: %+v", entries)
	}
}

func TestRecord_EvictsOldest(t *testing.T) {
	agg := NewAggregator(Config{Source: staticSource{}, MaxMessages: 2, Logger: testLogger()})
	agg.Record(
		msg(domain.Telegram, "old", "a", 0),
		msg(domain.Telegram, "mid", "a", time.Minute),
		msg(domain.Telegram, "new", "a", 2*time.Minute),
	)
	all := agg.Messages()
	if len(all) != 2 || all[1].ID != "mid" {
		t.Errorf("expected oldest evicted, got %+v", all)
	}
	if _, ok := agg.Message(domain.MessageKey{Platform: domain.Telegram, ID: "old"}); ok {
		t.Error("old message still retained")
	}
}

func TestUpdateStatus(t *testing.T) {
	agg := NewAggregator(Config{Source: staticSource{}, Logger: testLogger()})
	m := msg(domain.Telegram, "1", "a", 0)
	agg.Record(m)
	agg.UpdateStatus(m.Key(), domain.StatusRead)
	got, _ := agg.Message(m.Key())
	if got.Status != domain.StatusRead {
		t.Errorf("status = %s", got.Status)
	}
}

func TestAlias_FoldsPlatformCopy(t *testing.T) {
	agg := NewAggregator(Config{Source: staticSource{}, Logger: testLogger()})
	local := domain.Message{
		ID: "local-1", Platform: domain.WhatsApp, ContactID: "b", Direction: domain.Outbound,
		Content: "hi", Type: domain.TypeText, Timestamp: base, Status: domain.StatusDelivered,
	}
	agg.Record(local)

	// The platform copy can show up before the alias is known.
	echo := local
	echo.ID, echo.Timestamp, echo.Status = "wamid.1", base.Add(time.Second), domain.StatusSent
	agg.Record(echo)
	agg.Alias(echo.Key(), local.Key())

	all := agg.Messages()
	if len(all) != 1 || all[0].ID != "local-1" || all[0].Status != domain.StatusDelivered || !all[0].Timestamp.Equal(echo.Timestamp) {
		t.Fatalf("after alias: %+v", all)
	}

	// And after it.
	agg.Record(echo)
	if all := agg.Messages(); len(all) != 1 || all[0].ID != "local-1" {
		t.Fatalf("after re-record: %+v", all)
	}
	if m, ok := agg.Message(echo.Key()); !ok || m.ID != "local-1" {
		t.Errorf("lookup by platform key = %+v, %v", m, ok)
	}
	if !agg.MarkRead(domain.WhatsApp, "wamid.1") {
		t.Error("mark read by platform id should resolve to the local message")
	}
}

func TestAlias_DroppedWithEvictedMessage(t *testing.T) {
	agg := NewAggregator(Config{Source: staticSource{}, MaxMessages: 1, Logger: testLogger()})
	local := msg(domain.Messenger, "local-1", "a", 0)
	agg.Record(local)
	agg.Alias(domain.MessageKey{Platform: domain.Messenger, ID: "mid.1"}, local.Key())
	agg.Record(msg(domain.Messenger, "newer", "a", time.Minute))

	agg.mu.RLock()
	n := len(agg.aliases) + len(agg.aliasOf)
	agg.mu.RUnlock()
	if n != 0 {
		t.Errorf("alias kept for evicted message: %d entries", n)
	}
}
