package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"webgate/internal/protocol"
)

const DefaultTimeout = 2 * time.Second

// Client submits hook events to the hub. Callers treat every error as
// non-fatal.
type Client struct {
	URL     string
	HTTP    *http.Client
	Timeout time.Duration
}

// New builds a client for the hub at serverURL, e.g. http://127.0.0.1:8765.
func New(serverURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("hub url %q has no host", serverURL)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("hub url %q: unsupported scheme", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/hook"
	u.RawQuery = ""
	u.Fragment = ""
	return &Client{URL: u.String()}, nil
}

func (c *Client) Notify(ctx context.Context, p protocol.HookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit hook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("submit hook: %s", resp.Status)
	}
	return nil
}

// Decode reads one hook payload as emitted by an agent hook runner. Flag
// overrides are applied after decoding; an empty reader is allowed when both
// overrides are set.
func Decode(r io.Reader, event, sessionID string) (protocol.HookPayload, error) {
	var p protocol.HookPayload
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return p, err
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return p, fmt.Errorf("decode hook payload: %w", err)
		}
	}
	if event != "" {
		p.HookEventName = protocol.HookEventName(event)
	}
	if sessionID != "" {
		p.SessionID = sessionID
	}
	if p.SessionID == "" || p.HookEventName == "" {
		return p, fmt.Errorf("hook payload needs session_id and hook_event_name")
	}
	return p, nil
}
