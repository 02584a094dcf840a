package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"onecell/internal/domain"
)

type fakeGraphPage struct {
	mu       sync.Mutex
	posts    []map[string]any
	paths    []string
	failConv string
}

func (f *fakeGraphPage) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.paths = append(f.paths, r.Method+" "+r.URL.Path+"?platform="+r.URL.Query().Get("platform"))
		f.mu.Unlock()
		if r.URL.Query().Get("access_token") != "page-token" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190}}`))
			return
		}
		switch {
		case r.Method == http.MethodGet && (r.URL.Path == "/p1" || r.URL.Path == "/me"):
			w.Write([]byte(`{"id":"p1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/p1/conversations":
			w.Write([]byte(`{"data":[
				{"id":"c1","updated_time":"2024-03-01T10:05:00+0000","participants":{"data":[{"id":"u1","name":"Ana"},{"id":"p1","name":"Shop"}]}},
				{"id":"c2","updated_time":"2024-03-01T09:00:00+0000","participants":{"data":[{"id":"p1","name":"Shop"},{"id":"u2","name":"Bo","profile_pic":"https://cdn/bo.jpg"}]}},
				{"id":"c3","updated_time":"2024-03-01T08:00:00+0000","participants":{"data":[{"id":"u3","name":"Cy"}]}}
			]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/c1/messages":
			w.Write([]byte(`{"data":[
				{"id":"m_1","message":"hello","created_time":"2024-03-01T10:00:00+0000","from":{"id":"u1"},"to":{"data":[{"id":"p1"}]}},
				{"id":"m_2","message":"hi Ana","created_time":"2024-03-01T10:05:00+0000","from":{"id":"p1"},"to":{"data":[{"id":"u1"}]}}
			]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/c2/messages":
			w.Write([]byte(`{"data":[
				{"id":"m_3","created_time":"2024-03-01T09:00:00+0000","from":{"id":"u2"},"attachments":{"data":[{"id":"a1","name":"photo.jpg","image_data":{"url":"https://cdn/p.jpg"}}]}}
			]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/c3/messages":
			w.WriteHeader(http.StatusInternalServerError)
		case r.Method == http.MethodGet && r.URL.Path == "/m_unknown":
			w.Write([]byte(`{"id":"m_unknown","from":{"id":"u9"}}`))
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			var m map[string]any
			json.Unmarshal(body, &m)
			m["_path"] = r.URL.Path
			f.mu.Lock()
			f.posts = append(f.posts, m)
			f.mu.Unlock()
			w.Write([]byte(`{"recipient_id":"u1","message_id":"m_out"}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestMessenger(t *testing.T) (*Messenger, *fakeGraphPage) {
	f := &fakeGraphPage{}
	srv := f.server(t)
	t.Cleanup(srv.Close)
	m := NewMessenger(PageConfig{GraphAPIBase: srv.URL, Client: srv.Client(), Logger: testWebhookLogger()})
	if err := m.Authenticate(context.Background(), domain.Credential{AccessToken: "page-token", PageID: "p1"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return m, f
}

func TestPage_AuthenticateRejected(t *testing.T) {
	f := &fakeGraphPage{}
	srv := f.server(t)
	defer srv.Close()
	m := NewMessenger(PageConfig{GraphAPIBase: srv.URL, Client: srv.Client()})
	err := m.Authenticate(context.Background(), domain.Credential{AccessToken: "expired", PageID: "p1"})
	if !errors.Is(err, domain.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
	if m.Pull(context.Background(), 5) != nil {
		t.Error("rejected adapter must not pull")
	}
}

func TestMessenger_PullTwoLevel(t *testing.T) {
	m, _ := newTestMessenger(t)
	msgs := m.Pull(context.Background(), 10)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages (c3 skipped), got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "m_2" || msgs[1].ID != "m_1" || msgs[2].ID != "m_3" {
		t.Errorf("not sorted newest first: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	if msgs[0].Direction != domain.Outbound || msgs[0].ContactID != "u1" {
		t.Errorf("page message should be outbound to u1: %+v", msgs[0])
	}
	if msgs[2].Type != domain.TypeMedia || msgs[2].Content != "photo.jpg" || msgs[2].Attachments[0].URL != "https://cdn/p.jpg" {
		t.Errorf("attachment mapped wrong: %+v", msgs[2])
	}
	if !msgs[1].Timestamp.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", msgs[1].Timestamp)
	}

	if got := m.Pull(context.Background(), 2); len(got) != 2 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

func TestMessenger_SendAndMarkSeen(t *testing.T) {
	m, f := newTestMessenger(t)
	ctx := context.Background()
	m.Pull(ctx, 10)

	id, err := m.Send(ctx, "u1", "thanks")
	if err != nil || id != "m_out" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if err := m.MarkRead(ctx, "m_1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := m.MarkRead(ctx, "m_unknown"); err != nil {
		t.Fatalf("MarkRead unknown: %v", err)
	}

	if len(f.posts) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(f.posts))
	}
	send := f.posts[0]
	if send["_path"] != "/me/messages" || send["messaging_type"] != "RESPONSE" {
		t.Errorf("send body = %v", send)
	}
	seen := f.posts[1]
	if seen["sender_action"] != "mark_seen" || seen["recipient"].(map[string]any)["id"] != "u1" {
		t.Errorf("mark_seen body = %v", seen)
	}
	if f.posts[2]["recipient"].(map[string]any)["id"] != "u9" {
		t.Errorf("fallback lookup recipient = %v", f.posts[2])
	}
}

func TestPage_ListContacts(t *testing.T) {
	m, _ := newTestMessenger(t)
	contacts := m.ListContacts(context.Background())
	if len(contacts) != 3 {
		t.Fatalf("expected 3 contacts, got %d", len(contacts))
	}
	if contacts[0].ID != "u1" || contacts[0].DisplayName != "Ana" || contacts[0].Platform != domain.Messenger {
		t.Errorf("contact mapped wrong: %+v", contacts[0])
	}
	if contacts[1].AvatarRef != "https://cdn/bo.jpg" {
		t.Errorf("profile pic should win: %q", contacts[1].AvatarRef)
	}
	if contacts[0].AvatarRef == "" || contacts[0].LastSeenAt.IsZero() {
		t.Errorf("messenger avatar/last seen missing: %+v", contacts[0])
	}
}

func TestInstagram_EndpointsAndNoopMarkRead(t *testing.T) {
	f := &fakeGraphPage{}
	srv := f.server(t)
	defer srv.Close()
	ig := NewInstagram(PageConfig{GraphAPIBase: srv.URL, Client: srv.Client(), Logger: testWebhookLogger()})
	ctx := context.Background()
	if err := ig.Authenticate(ctx, domain.Credential{AccessToken: "page-token", PageID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if ig.Platform() != domain.Instagram {
		t.Errorf("platform = %s", ig.Platform())
	}
	msgs := ig.Pull(ctx, 10)
	if len(msgs) == 0 || msgs[0].Platform != domain.Instagram {
		t.Fatalf("pull = %+v", msgs)
	}
	if _, err := ig.Send(ctx, "u1", "hey"); err != nil {
		t.Fatal(err)
	}
	if err := ig.MarkRead(ctx, "m_1"); err != nil {
		t.Fatal(err)
	}
	if len(f.posts) != 1 || f.posts[0]["_path"] != "/p1/messages" {
		t.Errorf("instagram posts = %v", f.posts)
	}
	foundFilter := false
	for _, p := range f.paths {
		if p == "GET /p1/conversations?platform=instagram" {
			foundFilter = true
		}
	}
	if !foundFilter {
		t.Errorf("conversations not filtered by platform: %v", f.paths)
	}
}

func TestPage_NormalizeWebhookAndReceipts(t *testing.T) {
	m := NewMessenger(PageConfig{Logger: testWebhookLogger()})

	inbound := `{"object":"page","entry":[{"id":"p1","time":1700000000000,"messaging":[
		{"sender":{"id":"u1"},"recipient":{"id":"p1"},"timestamp":1700000000123,"message":{"mid":"m_in","text":"yo"}}]}]}`
	msg, err := m.NormalizeWebhook([]byte(inbound))
	if err != nil || msg == nil {
		t.Fatalf("NormalizeWebhook = %v, %v", msg, err)
	}
	if msg.ID != "m_in" || msg.ContactID != "u1" || msg.Direction != domain.Inbound || msg.Timestamp.UnixMilli() != 1700000000123 {
		t.Errorf("unexpected %+v", msg)
	}

	echo := `{"entry":[{"messaging":[{"sender":{"id":"p1"},"recipient":{"id":"u1"},"timestamp":1,"message":{"mid":"m_echo","is_echo":true,"attachments":[{"type":"image","payload":{"url":"https://cdn/x.png"}}]}}]}]}`
	msg, _ = m.NormalizeWebhook([]byte(echo))
	if msg == nil || msg.Direction != domain.Outbound || msg.ContactID != "u1" || msg.Content != "Media message" || msg.Type != domain.TypeMedia {
		t.Errorf("echo mapped wrong: %+v", msg)
	}

	receipts := `{"entry":[{"messaging":[
		{"sender":{"id":"u1"},"recipient":{"id":"p1"},"delivery":{"mids":["m_out"],"watermark":1700000001000}},
		{"sender":{"id":"u1"},"recipient":{"id":"p1"},"read":{"watermark":1700000002000}}]}]}`
	msg, err = m.NormalizeWebhook([]byte(receipts))
	if msg != nil || err != nil {
		t.Errorf("receipt-only payload should be absent: %v, %v", msg, err)
	}
	rs, err := m.DecodeReceipts([]byte(receipts))
	if err != nil || len(rs) != 2 {
		t.Fatalf("DecodeReceipts = %+v, %v", rs, err)
	}
	if rs[0].RemoteID != "m_out" || rs[0].Status != domain.StatusDelivered {
		t.Errorf("delivery receipt = %+v", rs[0])
	}
	if rs[1].Status != domain.StatusRead || rs[1].ContactID != "u1" || rs[1].Watermark.UnixMilli() != 1700000002000 {
		t.Errorf("read receipt = %+v", rs[1])
	}

	if _, err := m.NormalizeWebhook([]byte(`[1,2`)); !errors.Is(err, domain.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}
