package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"onecell/internal/bus"
	"onecell/internal/channel/channeltest"
	"onecell/internal/domain"
	"onecell/internal/registry"
	"onecell/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var cred = domain.Credential{AccessToken: "token", BotToken: "1:x", PageID: "p", PhoneNumberID: "n"}

type harness struct {
	engine *Engine
	fakes  map[domain.PlatformID]*channeltest.FakeAdapter
}

func newHarness(t *testing.T, authed ...domain.PlatformID) *harness {
	t.Helper()
	return newHarnessWith(t, 200*time.Millisecond, authed...)
}

func newHarnessWith(t *testing.T, pullTimeout time.Duration, authed ...domain.PlatformID) *harness {
	t.Helper()
	fakes := make(map[domain.PlatformID]*channeltest.FakeAdapter)
	var adapters []domain.Adapter
	for _, p := range domain.AllPlatforms() {
		f := channeltest.New(p)
		fakes[p] = f
		adapters = append(adapters, f)
	}
	reg, err := registry.New(registry.Config{Adapters: adapters, Store: store.NewMemoryStore(), Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range authed {
		if err := reg.AuthenticatePlatform(context.Background(), p, cred); err != nil {
			t.Fatal(err)
		}
	}
	e, err := New(Config{
		Registry:    reg,
		PollLimit:   10,
		PullTimeout: pullTimeout,
		SendTimeout: time.Second,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return &harness{engine: e, fakes: fakes}
}

type batch struct {
	source string
	msgs   []domain.Message
}

func collect(e *Engine) (func() []batch, func()) {
	var mu sync.Mutex
	var got []batch
	cancel := e.Subscribe(func(source string, msgs []domain.Message) {
		mu.Lock()
		got = append(got, batch{source, msgs})
		mu.Unlock()
	})
	return func() []batch {
		mu.Lock()
		defer mu.Unlock()
		return append([]batch(nil), got...)
	}, cancel
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func inbound(p domain.PlatformID, id string, offset time.Duration) domain.Message {
	return domain.Message{
		ID: id, Platform: p, ContactID: "c-" + id, Direction: domain.Inbound,
		Content: "hello " + id, Type: domain.TypeText, Timestamp: base.Add(offset), Status: domain.StatusDelivered,
	}
}

func TestNew_RequiresRegistry(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without registry")
	}
}

func TestPollOnce_PublishesOnlyUnseen(t *testing.T) {
	h := newHarness(t, domain.Telegram, domain.WhatsApp)
	batches, cancel := collect(h.engine)
	defer cancel()

	h.fakes[domain.Telegram].SetMessages(inbound(domain.Telegram, "1", 0), inbound(domain.Telegram, "2", time.Minute))
	h.fakes[domain.WhatsApp].SetMessages(inbound(domain.WhatsApp, "1", 2*time.Minute))

	if n := h.engine.PollOnce(context.Background()); n != 3 {
		t.Fatalf("first pass published %d, want 3", n)
	}
	if n := h.engine.PollOnce(context.Background()); n != 0 {
		t.Fatalf("repeat pass published %d, want 0", n)
	}

	h.fakes[domain.Telegram].SetMessages(inbound(domain.Telegram, "2", time.Minute), inbound(domain.Telegram, "3", 3*time.Minute))
	if n := h.engine.PollOnce(context.Background()); n != 1 {
		t.Fatalf("third pass published %d, want 1", n)
	}

	got := batches()
	if len(got) != 2 {
		t.Fatalf("batches = %d, want 2", len(got))
	}
	first := got[0]
	if first.source != bus.SourcePoll || len(first.msgs) != 3 {
		t.Fatalf("first batch = %+v", first)
	}
	if first.msgs[0].Platform != domain.WhatsApp {
		t.Errorf("batch not sorted newest first: %+v", first.msgs[0])
	}
	if got[1].msgs[0].ID != "3" {
		t.Errorf("second batch = %+v", got[1].msgs)
	}
}

func TestPollOnce_SkipsOverlappingPass(t *testing.T) {
	h := newHarnessWith(t, 10*time.Second, domain.Telegram)
	release := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	h.fakes[domain.Telegram].PullFunc = func(ctx context.Context, limit int) []domain.Message {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	done := make(chan struct{})
	go func() {
		h.engine.PollOnce(context.Background())
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for inFlight.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first pass never started")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	for range 5 {
		if n := h.engine.PollOnce(context.Background()); n != 0 {
			t.Errorf("overlapping pass published %d", n)
		}
	}
	close(release)
	<-done

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent pulls = %d, want 1", maxInFlight.Load())
	}
	if h.fakes[domain.Telegram].Pulls() != 1 {
		t.Errorf("pulls = %d, want 1", h.fakes[domain.Telegram].Pulls())
	}
}

func TestPollOnce_FailingAdapterIsolated(t *testing.T) {
	h := newHarness(t, domain.Telegram, domain.Messenger)
	h.fakes[domain.Telegram].PullFunc = func(context.Context, int) []domain.Message { panic("broken") }
	h.fakes[domain.Messenger].SetMessages(inbound(domain.Messenger, "m1", 0))

	if n := h.engine.PollOnce(context.Background()); n != 1 {
		t.Fatalf("published %d, want 1", n)
	}
}

func TestPollOnce_UnauthenticatedPlatformsIgnored(t *testing.T) {
	h := newHarness(t)
	h.fakes[domain.Telegram].SetMessages(inbound(domain.Telegram, "1", 0))
	if n := h.engine.PollOnce(context.Background()); n != 0 {
		t.Fatalf("published %d from unauthenticated platform", n)
	}
	if h.fakes[domain.Telegram].Pulls() != 0 {
		t.Error("unauthenticated adapter should not be pulled")
	}
}

func TestIngestWebhook(t *testing.T) {
	h := newHarness(t)
	batches, cancel := collect(h.engine)
	defer cancel()
	ctx := context.Background()

	payload := []byte(`{"message":{"id":"w1","contactId":"u9","direction":"inbound","content":"hey","timestamp":"2024-03-01T09:05:00Z"}}`)
	if err := h.engine.IngestWebhook(ctx, domain.Messenger, payload); err != nil {
		t.Fatal(err)
	}
	// The webhook path never suppresses.
	if err := h.engine.IngestWebhook(ctx, domain.Messenger, payload); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.IngestWebhook(ctx, domain.Messenger, []byte(`{}`)); err != nil {
		t.Fatalf("payload without message: %v", err)
	}

	got := batches()
	if len(got) != 2 {
		t.Fatalf("batches = %d, want 2", len(got))
	}
	if got[0].source != bus.SourceWebhook || len(got[0].msgs) != 1 || got[0].msgs[0].Platform != domain.Messenger {
		t.Errorf("batch = %+v", got[0])
	}

	// A later poll does not re-emit what the webhook delivered.
	if err := h.engine.Registry().AuthenticatePlatform(ctx, domain.Messenger, cred); err != nil {
		t.Fatal(err)
	}
	h.fakes[domain.Messenger].SetMessages(domain.Message{
		ID: "w1", Platform: domain.Messenger, ContactID: "u9", Direction: domain.Inbound, Timestamp: base,
	})
	if n := h.engine.PollOnce(ctx); n != 0 {
		t.Errorf("poll re-emitted webhook message (%d)", n)
	}

	if entries := h.engine.Aggregator().Inbox(); len(entries) != 1 || entries[0].UnreadCount != 1 {
		t.Errorf("inbox = %+v", entries)
	}
}

func TestIngestWebhook_Errors(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.IngestWebhook(context.Background(), "sms", []byte(`{}`)); !errors.Is(err, domain.ErrUnknownPlatform) {
		t.Errorf("unknown platform err = %v", err)
	}
	if err := h.engine.IngestWebhook(context.Background(), domain.Telegram, []byte(`not json`)); !errors.Is(err, domain.ErrDecode) {
		t.Errorf("malformed payload err = %v", err)
	}
}

func TestSendMessage_Lifecycle(t *testing.T) {
	h := newHarness(t, domain.Messenger)
	ctx := context.Background()

	var mu sync.Mutex
	var statuses []domain.DeliveryStatus
	h.engine.Bus().On(bus.EventStatusChanged, func(ev bus.Event) {
		mu.Lock()
		statuses = append(statuses, ev.Status.To)
		mu.Unlock()
	})

	msg, ok := h.engine.SendMessage(ctx, domain.Messenger, "u1", "hi there")
	if !ok {
		t.Fatal("send should succeed")
	}
	if msg.ID == "" || msg.Status != domain.StatusDelivered || msg.Direction != domain.Outbound {
		t.Fatalf("message = %+v", msg)
	}

	// Delivery then read receipts by remote id.
	payload := []byte(`{"receipts":[{"RemoteID":"remote-1","Status":"read"}]}`)
	if err := h.engine.IngestWebhook(ctx, domain.Messenger, payload); err != nil {
		t.Fatal(err)
	}
	if s, _ := h.engine.Tracker().Status(msg.Key()); s != domain.StatusRead {
		t.Errorf("status after read receipt = %s", s)
	}
	if m, _ := h.engine.Aggregator().Message(msg.Key()); m.Status != domain.StatusRead {
		t.Errorf("aggregator status = %s", m.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []domain.DeliveryStatus{domain.StatusSent, domain.StatusDelivered, domain.StatusRead}
	if len(statuses) != len(want) {
		t.Fatalf("status events = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status event %d = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestSendMessage_PolledCopyFoldedIntoSentMessage(t *testing.T) {
	h := newHarness(t, domain.Messenger)
	batches, cancel := collect(h.engine)
	defer cancel()
	ctx := context.Background()

	msg, ok := h.engine.SendMessage(ctx, domain.Messenger, "u1", "hi")
	if !ok {
		t.Fatal("send failed")
	}
	h.fakes[domain.Messenger].SetMessages(domain.Message{
		ID: "remote-1", Platform: domain.Messenger, ContactID: "u1", Direction: domain.Outbound,
		Content: "hi", Type: domain.TypeText, Timestamp: base, Status: domain.StatusDelivered,
	})
	if n := h.engine.PollOnce(ctx); n != 0 {
		t.Errorf("platform copy of our own send published %d", n)
	}
	if len(batches()) != 0 {
		t.Errorf("batches = %+v", batches())
	}

	var copies []domain.Message
	for _, m := range h.engine.Aggregator().Messages() {
		if m.Platform == domain.Messenger {
			copies = append(copies, m)
		}
	}
	if len(copies) != 1 || copies[0].ID != msg.ID || !copies[0].Timestamp.Equal(base) {
		t.Fatalf("retained copies = %+v", copies)
	}
	if entries := h.engine.Aggregator().Inbox(); len(entries) != 1 || entries[0].LastMessage.ID != msg.ID {
		t.Errorf("inbox = %+v", entries)
	}

	// Status changes addressed by the platform id land on the one copy.
	payload := []byte(`{"receipts":[{"RemoteID":"remote-1","Status":"read"}]}`)
	if err := h.engine.IngestWebhook(ctx, domain.Messenger, payload); err != nil {
		t.Fatal(err)
	}
	m, ok := h.engine.Aggregator().Message(domain.MessageKey{Platform: domain.Messenger, ID: "remote-1"})
	if !ok || m.ID != msg.ID || m.Status != domain.StatusRead {
		t.Errorf("lookup by platform id = %+v, %v", m, ok)
	}
}

func TestSendMessage_FailureThenResend(t *testing.T) {
	h := newHarness(t, domain.WhatsApp)
	h.fakes[domain.WhatsApp].SendErr = domain.ErrTransientNetwork

	first, ok := h.engine.SendMessage(context.Background(), domain.WhatsApp, "u1", "hi")
	if ok || first.Status != domain.StatusFailed {
		t.Fatalf("first send = %+v, %v", first, ok)
	}

	h.fakes[domain.WhatsApp].SendErr = nil
	second, ok := h.engine.SendMessage(context.Background(), domain.WhatsApp, "u1", "hi")
	if !ok || second.ID == first.ID {
		t.Fatalf("resend = %+v, %v", second, ok)
	}
	if s, _ := h.engine.Tracker().Status(first.Key()); s != domain.StatusFailed {
		t.Errorf("failed message changed to %s", s)
	}
}

func TestSendMessage_UnauthenticatedIsNoop(t *testing.T) {
	h := newHarness(t)
	msg, ok := h.engine.SendMessage(context.Background(), domain.Telegram, "1", "hi")
	if ok || msg.ID != "" {
		t.Fatalf("send = %+v, %v", msg, ok)
	}
	if len(h.fakes[domain.Telegram].Sends()) != 0 {
		t.Error("adapter should not be called")
	}
}

func TestSendMessage_NotCancelledByCaller(t *testing.T) {
	h := newHarness(t, domain.Telegram)
	h.fakes[domain.Telegram].SendFunc = func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return "42:7", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := h.engine.SendMessage(ctx, domain.Telegram, "42", "hi"); !ok {
		t.Fatal("send should complete despite a cancelled caller context")
	}
}

func TestSendMessage_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t, domain.Telegram)
	h.fakes[domain.Telegram].SendFunc = func(context.Context, string, string) (string, error) { panic("boom") }
	msg, ok := h.engine.SendMessage(context.Background(), domain.Telegram, "42", "hi")
	if ok || msg.Status != domain.StatusFailed {
		t.Fatalf("send = %+v, %v", msg, ok)
	}
}

func TestMarkAsRead(t *testing.T) {
	h := newHarness(t, domain.Instagram)
	ctx := context.Background()

	if h.engine.MarkAsRead(ctx, domain.Telegram, "1") {
		t.Error("unauthenticated platform should return false")
	}

	h.fakes[domain.Instagram].SetMessages(inbound(domain.Instagram, "a", 0))
	h.engine.PollOnce(ctx)
	ck := domain.ContactKey{Platform: domain.Instagram, ID: "c-a"}
	if n := h.engine.Aggregator().UnreadCount(ck); n != 1 {
		t.Fatalf("unread = %d", n)
	}
	if !h.engine.MarkAsRead(ctx, domain.Instagram, "a") {
		t.Fatal("mark read failed")
	}
	if n := h.engine.Aggregator().UnreadCount(ck); n != 0 {
		t.Errorf("unread after mark read = %d", n)
	}
	if reads := h.fakes[domain.Instagram].Reads(); len(reads) != 1 || reads[0] != "a" {
		t.Errorf("adapter reads = %v", reads)
	}

	h.fakes[domain.Instagram].ReadErr = domain.ErrTransientNetwork
	if h.engine.MarkAsRead(ctx, domain.Instagram, "a") {
		t.Error("platform failure should return false")
	}
}

func TestMarkAsRead_OutboundUsesRemoteID(t *testing.T) {
	h := newHarness(t, domain.Messenger)
	ctx := context.Background()
	msg, ok := h.engine.SendMessage(ctx, domain.Messenger, "u1", "hi")
	if !ok {
		t.Fatal("send failed")
	}
	if !h.engine.MarkAsRead(ctx, domain.Messenger, msg.ID) {
		t.Fatal("mark read failed")
	}
	if reads := h.fakes[domain.Messenger].Reads(); len(reads) != 1 || reads[0] != "remote-1" {
		t.Errorf("adapter reads = %v", reads)
	}
	if s, _ := h.engine.Tracker().Status(msg.Key()); s != domain.StatusRead {
		t.Errorf("status = %s", s)
	}
}

func TestShutdown_WaitsForInFlightSend(t *testing.T) {
	h := newHarness(t, domain.Messenger)
	started := make(chan struct{})
	h.fakes[domain.Messenger].SendFunc = func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		select {
		case <-time.After(300 * time.Millisecond):
			return "mid.slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	var delivered atomic.Bool
	h.engine.Bus().On(bus.EventStatusChanged, func(ev bus.Event) {
		if ev.Status.To == domain.StatusDelivered {
			delivered.Store(true)
		}
	})

	type result struct {
		msg domain.Message
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		m, ok := h.engine.SendMessage(context.Background(), domain.Messenger, "u1", "slow")
		done <- result{m, ok}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !delivered.Load() {
		t.Fatal("Shutdown returned before the in-flight send resolved")
	}
	select {
	case r := <-done:
		if !r.ok || r.msg.Status != domain.StatusDelivered {
			t.Errorf("in-flight send = %+v, %v", r.msg, r.ok)
		}
	case <-time.After(time.Second):
		t.Fatal("send never returned")
	}
}

func TestStartAndShutdown(t *testing.T) {
	h := newHarness(t, domain.Telegram)
	h.engine.pollInterval = time.Second
	h.fakes[domain.Telegram].SetMessages(inbound(domain.Telegram, "1", 0))

	ch, cancel := h.engine.Bus().Stream(bus.EventNewMessages, 4)
	defer cancel()

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if ev.Source != bus.SourcePoll || len(ev.Messages) != 1 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop never published")
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.engine.SendMessage(context.Background(), domain.Telegram, "1", "late"); ok {
		t.Error("send after shutdown should be a no-op")
	}
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}
