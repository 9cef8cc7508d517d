package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"roomcal/internal/battery"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
)

// ErrStreamClosed is returned by a stream the server ended cleanly.
var ErrStreamClosed = errors.New("agent: stream closed by server")

const maxEventsBody = 8 << 20

type ClientConfig struct {
	ServerURL string
	TenantID  string
	RoomID    string
	DeviceID  string

	Username string
	Password string

	// CacheDir holds the last event list for offline boot. Empty disables it.
	CacheDir string
	// Battery is read for every heartbeat. Nil sends no battery data.
	Battery battery.Reader
	// Timeout bounds fetches and heartbeats. The stream has no timeout.
	Timeout time.Duration
}

// Client talks to the booking server on behalf of one display. It is the
// agent's Fetcher, Subscriber and Heartbeater.
type Client struct {
	cfg    ClientConfig
	base   *url.URL
	http   *http.Client
	stream *http.Client
	cache  diskCache

	mu   sync.Mutex
	meta cacheMeta
	body []byte
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("agent: invalid server url %q", cfg.ServerURL)
	}
	if cfg.TenantID == "" || cfg.RoomID == "" {
		return nil, errors.New("agent: tenant and room are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		stream: &http.Client{},
		cache:  diskCache{dir: cfg.CacheDir},
	}
	if meta, body, err := c.cache.load(); err == nil {
		c.meta, c.body = meta, body
		appLog.Info("agent: loaded cached events", "updated_at", meta.UpdatedAt)
	}
	return c, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

// Fetch loads the room's events overlapping [from, to), revalidating the
// previous response with its ETag. A failed request is an error even when
// a cached copy exists: only a server answer counts as a fetch.
func (c *Client) Fetch(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	target := c.endpoint("/api/events", url.Values{
		"tenant_id": {c.cfg.TenantID},
		"room_id":   {c.cfg.RoomID},
		"start":     {from.UTC().Format(time.RFC3339)},
		"end":       {to.UTC().Format(time.RFC3339)},
	})
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	c.mu.Lock()
	if c.meta.URL == target && c.meta.ETag != "" && len(c.body) > 0 {
		req.Header.Set("If-None-Match", c.meta.ETag)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: fetch events: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxEventsBody))
		if err != nil {
			return nil, fmt.Errorf("agent: read events: %w", err)
		}
		events, err := decodeEvents(body)
		if err != nil {
			return nil, err
		}
		meta := cacheMeta{URL: target, ETag: resp.Header.Get("ETag"), UpdatedAt: time.Now().UTC()}
		c.mu.Lock()
		c.meta, c.body = meta, body
		c.mu.Unlock()
		if err := c.cache.save(meta, body); err != nil {
			appLog.Error("agent: cache save failed", err, "dir", c.cfg.CacheDir)
		}
		return events, nil

	case http.StatusNotModified:
		c.mu.Lock()
		body := c.body
		c.mu.Unlock()
		if len(body) == 0 {
			return nil, errors.New("agent: 304 Not Modified without a cached body")
		}
		return decodeEvents(body)

	default:
		return nil, fmt.Errorf("agent: fetch events: %s", resp.Status)
	}
}

// Cached returns the events of the last stored response, if any.
func (c *Client) Cached() ([]model.Event, time.Time, bool) {
	c.mu.Lock()
	body, at := c.body, c.meta.UpdatedAt
	c.mu.Unlock()
	if len(body) == 0 {
		return nil, time.Time{}, false
	}
	events, err := decodeEvents(body)
	if err != nil {
		return nil, time.Time{}, false
	}
	return events, at, true
}

// decodeEvents converts records, dropping ones that break the event
// invariants rather than failing the whole fetch.
func decodeEvents(body []byte) ([]model.Event, error) {
	var records []model.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("agent: decode events: %w", err)
	}
	events := make([]model.Event, 0, len(records))
	for _, r := range records {
		e, err := r.Event()
		if err != nil {
			appLog.Warn("agent: skipping malformed event", "event_id", r.ID, "err", err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Subscribe opens the server's change stream.
func (c *Client) Subscribe(ctx context.Context) (Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/api/stream", nil), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("agent: subscribe: %s", resp.Status)
	}
	return &sseStream{body: resp.Body, scanner: newSSEScanner(resp.Body)}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *sseScanner
	once    sync.Once
}

// Next returns the next change notification. Frames whose type is not an
// event change are skipped.
func (s *sseStream) Next() (model.ChangeNotification, error) {
	for s.scanner.Next() {
		var msg model.Message
		if err := json.Unmarshal([]byte(s.scanner.Event().Data), &msg); err != nil {
			appLog.Debug("agent: ignoring undecodable frame", "err", err)
			continue
		}
		if n, ok := msg.Notification(); ok {
			return n, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return model.ChangeNotification{}, err
	}
	return model.ChangeNotification{}, ErrStreamClosed
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

type heartbeatPayload struct {
	TenantID         string `json:"tenant_id"`
	RoomID           string `json:"room_id"`
	BatteryPercent   *int   `json:"battery_percent,omitempty"`
	BatteryVoltageMv *int   `json:"battery_voltage_mv,omitempty"`
}

// Heartbeat reports the device as alive, with battery data when a gauge
// can be read. Without a device id it does nothing.
func (c *Client) Heartbeat(ctx context.Context) error {
	if c.cfg.DeviceID == "" {
		return nil
	}
	p := heartbeatPayload{TenantID: c.cfg.TenantID, RoomID: c.cfg.RoomID}
	if c.cfg.Battery != nil {
		if st, err := c.cfg.Battery.Read(ctx); err == nil {
			p.BatteryPercent = &st.Percent
			if st.VoltageMv > 0 {
				p.BatteryVoltageMv = &st.VoltageMv
			}
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	target := c.endpoint("/api/devices/"+url.PathEscape(c.cfg.DeviceID)+"/heartbeat", nil)
	req, err := c.newRequest(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: heartbeat: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("agent: heartbeat: %s", resp.Status)
	}
	return nil
}
