// Package delivery sends events to the collector and fetches install data.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"attribution/config"
	"attribution/json"
	"attribution/metrics"
	"attribution/models"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	UserAgent = "TrackingSDK/1.0"

	FingerprintPath = "/v1/api/events/fingerprint/"
	TrackPath       = "/v1/api/events/track/"
	InstallDataPath = "/install-data"

	HeaderTokenID     = "x-api-token-id"
	HeaderTokenSecret = "x-api-token-secret"
	HeaderApp         = "x-inhouse-app"
	AppMobile         = "mobile"

	ShortLinkParam = "shortlink"

	maxResponseBytes = 1 << 20
)

var (
	ErrInvalidURL       = errors.New("invalid url")
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// HTTPError is a non-2xx collector response. It matches ErrUnexpectedStatus.
type HTTPError struct {
	Code int
	Body string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%v %d", ErrUnexpectedStatus, e.Code)
	}
	return fmt.Sprintf("%v %d: %s", ErrUnexpectedStatus, e.Code, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrUnexpectedStatus }

// IsClientError reports whether err carries a 4xx collector response.
// Resending the same request will not change the answer.
func IsClientError(err error) bool {
	var se *HTTPError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// Client is safe for concurrent use.
type Client struct {
	serverURL string
	tokenID   string
	secret    string

	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *cache.Cache
	flight  singleflight.Group
	log     *zap.Logger
	metrics *metrics.Pipeline
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *metrics.Pipeline) Option {
	return func(c *Client) { c.metrics = m }
}

func New(cfg config.SDKConfig, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	ttl := cfg.SessionTimeout()
	if ttl <= 0 {
		ttl = config.DefaultSessionTimeoutMinutes * time.Minute
	}

	c := &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		tokenID:   cfg.TokenID,
		secret:    cfg.ProjectToken,
		http:      newHTTPClient(timeout),
		cache:     cache.New(ttl, 2*ttl),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "collector",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("delivery: circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			c.metrics.Breaker(int(to))
		},
	})
	return c
}

// newHTTPClient bounds connect, TLS, response header and whole-exchange time.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Send routes ev to the fingerprint endpoint (app_install) or the track
// endpoint (everything else) and returns the response body. On failure it
// returns an ErrorResponse body together with the error.
func (c *Client) Send(ctx context.Context, ev models.Event) (string, error) {
	var (
		body string
		err  error
	)
	if ev.EventType == models.EventTypeAppInstall {
		body, err = c.sendInstall(ctx, ev)
	} else {
		body, err = c.sendCapture(ctx, ev)
	}
	if err != nil {
		c.log.Warn("delivery: send failed",
			zap.String("event_type", ev.EventType),
			zap.String("shortlink", ev.ShortLink),
			zap.Error(err),
		)
		return ErrorBody(err.Error()), err
	}
	c.log.Debug("delivery: sent", zap.String("event_type", ev.EventType), zap.String("response", body))
	return body, nil
}

func (c *Client) sendInstall(ctx context.Context, ev models.Event) (string, error) {
	u, err := c.endpoint(FingerprintPath, url.Values{ShortLinkParam: {ev.ShortLink}})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(NewInstallRequest(ev))
	if err != nil {
		return "", fmt.Errorf("encode install body: %w", err)
	}
	return c.post(ctx, "fingerprint", u, payload, true)
}

func (c *Client) sendCapture(ctx context.Context, ev models.Event) (string, error) {
	u, err := c.endpoint(TrackPath, nil)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(NewCaptureRequest(ev))
	if err != nil {
		return "", fmt.Errorf("encode capture body: %w", err)
	}
	return c.post(ctx, "track", u, payload, false)
}

func (c *Client) post(ctx context.Context, endpoint, u string, payload []byte, mobile bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, mobile)

	status, body, err := c.do(endpoint, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", &HTTPError{Code: status, Body: truncate(body, 256)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "{}", nil
	}
	return string(body), nil
}

// FetchInstallData returns the key/value pairs the collector holds for
// shortLink. Results are cached for the session timeout and concurrent
// fetches for the same link share one request. On failure the map is empty.
func (c *Client) FetchInstallData(ctx context.Context, shortLink string) (map[string]string, error) {
	if v, ok := c.cache.Get(shortLink); ok {
		return copyPairs(v.(map[string]string)), nil
	}

	v, err, shared := c.flight.Do(shortLink, func() (interface{}, error) {
		pairs, err := c.fetchInstallData(ctx, shortLink)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(shortLink, pairs)
		return pairs, nil
	})
	if err != nil {
		c.log.Warn("delivery: install data fetch failed", zap.String("shortlink", shortLink), zap.Error(err))
		return map[string]string{}, err
	}
	c.log.Debug("delivery: install data", zap.String("shortlink", shortLink), zap.Bool("shared", shared))
	return copyPairs(v.(map[string]string)), nil
}

func (c *Client) fetchInstallData(ctx context.Context, shortLink string) (map[string]string, error) {
	u, err := c.endpoint(InstallDataPath, url.Values{ShortLinkParam: {shortLink}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	c.authorize(req, true)

	status, body, err := c.do("install_data", req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, &HTTPError{Code: status}
	}
	pairs := map[string]string{}
	if len(bytes.TrimSpace(body)) == 0 {
		return pairs, nil
	}
	if err := json.Unmarshal(body, &pairs); err != nil {
		return nil, fmt.Errorf("decode install data: %w", err)
	}
	if pairs == nil {
		pairs = map[string]string{}
	}
	return pairs, nil
}

type exchange struct {
	status int
	body   []byte
}

// do runs req through the circuit breaker. Transport errors and 5xx
// responses count as breaker failures; the status is returned either way.
func (c *Client) do(endpoint string, req *http.Request) (int, []byte, error) {
	started := time.Now()
	res, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		ex := exchange{status: resp.StatusCode, body: body}
		if resp.StatusCode >= 500 {
			return ex, &HTTPError{Code: resp.StatusCode, Body: truncate(body, 256)}
		}
		return ex, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.Request(endpoint, "breaker_open", started)
			return 0, nil, fmt.Errorf("collector unavailable: %w", err)
		}
		c.metrics.Request(endpoint, "error", started)
		return 0, nil, err
	}
	ex := res.(exchange)
	c.metrics.Request(endpoint, fmt.Sprintf("%dxx", ex.status/100), started)
	return ex.status, ex.body, nil
}

func (c *Client) authorize(req *http.Request, mobile bool) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderTokenID, c.tokenID)
	req.Header.Set(HeaderTokenSecret, c.secret)
	if mobile {
		req.Header.Set(HeaderApp, AppMobile)
	}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.serverURL + path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, c.serverURL+path)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func copyPairs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
