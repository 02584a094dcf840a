package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"onecell/internal/domain"
)

// DefaultGraphAPIBase is the versioned Graph API root used by the
// WhatsApp, Messenger and Instagram adapters.
const DefaultGraphAPIBase = "https://graph.facebook.com/v18.0"

// graphOAuthExpired is the Graph error code for an invalid or expired token.
const graphOAuthExpired = 190

// GraphError is a non-2xx Graph API response.
type GraphError struct {
	StatusCode int
	Code       int    `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph API %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// graphClient performs JSON requests against the Graph API.
type graphClient struct {
	base   string
	client *http.Client
}

func newGraphClient(base string, client *http.Client) *graphClient {
	if base == "" {
		base = DefaultGraphAPIBase
	}
	if client == nil {
		client = SharedHTTPClient(0)
	}
	return &graphClient{base: strings.TrimRight(base, "/"), client: client}
}

// graphAuth carries one of the two Graph credential styles.
type graphAuth struct {
	bearer string // Authorization header (WhatsApp)
	token  string // access_token query parameter (pages)
}

func (g *graphClient) get(ctx context.Context, path string, query url.Values, auth graphAuth, out any) error {
	return g.do(ctx, http.MethodGet, path, query, auth, nil, out)
}

func (g *graphClient) post(ctx context.Context, path string, query url.Values, auth graphAuth, body, out any) error {
	return g.do(ctx, http.MethodPost, path, query, auth, body, out)
}

func (g *graphClient) do(ctx context.Context, method, path string, query url.Values, auth graphAuth, body, out any) error {
	if query == nil {
		query = url.Values{}
	}
	if auth.token != "" {
		query.Set("access_token", auth.token)
	}
	endpoint := g.base + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+auth.bearer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrTransientNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyGraphError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrDecode, method, path, err)
	}
	return nil
}

func classifyGraphError(status int, body []byte) error {
	ge := &GraphError{StatusCode: status}
	var envelope struct {
		Error *GraphError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		ge.Code = envelope.Error.Code
		ge.Type = envelope.Error.Type
		ge.Message = envelope.Error.Message
	} else {
		ge.Message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, ge.Code == graphOAuthExpired:
		return fmt.Errorf("%w: %w", domain.ErrAuthentication, ge)
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: %w", domain.ErrTransientNetwork, ge)
	default:
		return ge
	}
}

// unixTime decodes unix seconds sent either as a JSON number or a string.
type unixTime time.Time

func (t *unixTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unix timestamp %q: %w", s, err)
	}
	*t = unixTime(time.Unix(secs, 0).UTC())
	return nil
}

func (t unixTime) Time() time.Time { return time.Time(t) }

// graphTimeLayout is the created_time format used by Graph conversation APIs.
const graphTimeLayout = "2006-01-02T15:04:05-0700"

func parseGraphTime(s string) time.Time {
	if t, err := time.Parse(graphTimeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
