// Package upstream provides the HTTP client used to reach the Wiener Linien OGD realtime API.
//
// The client only issues GET requests. Every request carries a fixed header set and is
// bounded by a single configured timeout. Transport-level failures are reported as
// ErrUnreachable so callers can map them uniformly to a gateway error.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LisaMayr/WeatherAndDelay/internal/common/constants"
)

// ErrUnreachable is returned when the provider could not be reached at the transport
// level (DNS, connect, timeout). The response-level status code is never part of it.
var ErrUnreachable = errors.New("upstream unreachable")

// Endpoint names of the OGD realtime API.
const (
	EndpointMonitor         = "monitor"
	EndpointTrafficInfoList = "trafficInfoList"
	EndpointTrafficInfo     = "trafficInfo"
	EndpointNewsList        = "newsList"
	EndpointNews            = "news"
)

// Param is a single query parameter. Repeated keys are allowed and order is preserved.
type Param struct {
	Key   string `bson:"key"`
	Value string `bson:"value"`
}

// Params is an ordered query parameter list.
type Params []Param

// Add appends one parameter per value under the same key.
func (p *Params) Add(key string, values ...string) {
	for _, v := range values {
		*p = append(*p, Param{Key: key, Value: v})
	}
}

// AddInts appends one parameter per integer value under the same key.
func (p *Params) AddInts(key string, values ...int) {
	for _, v := range values {
		*p = append(*p, Param{Key: key, Value: strconv.Itoa(v)})
	}
}

func (p Params) encode() string {
	q := url.Values{}
	for _, kv := range p {
		q.Add(kv.Key, kv.Value)
	}
	return q.Encode()
}

// Config holds the client configuration.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client issues GET requests against the OGD realtime API and other upstream sources.
type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
}

// New creates a client from the given configuration, falling back to the
// application defaults for unset values.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = constants.DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultUpstreamTimeout
	}

	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
	}
}

// BaseURL returns the configured base URL, including its trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response is the raw outcome of one upstream request.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsJSON reports whether the upstream declared a JSON body.
func (r *Response) IsJSON() bool {
	return strings.HasPrefix(r.ContentType, "application/json")
}

// JSON decodes the response body.
func (r *Response) JSON() (any, error) {
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("decoding upstream body: %w", err)
	}
	return v, nil
}

// Get requests the named endpoint relative to the configured base URL.
func (c *Client) Get(ctx context.Context, endpoint string, params Params) (*Response, error) {
	return c.do(ctx, c.baseURL+endpoint, params)
}

// Fetch requests an absolute URL, used for sources outside the realtime API
// such as the historical dataset.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, rawURL, nil)
}

func (c *Client) do(ctx context.Context, rawURL string, params Params) (*Response, error) {
	if len(params) > 0 {
		rawURL += "?" + params.encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrUnreachable, err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// CloseIdleConnections releases pooled upstream connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}
