package restclient

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
	"time"

	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const maxErrorBody = 4 << 10

// Client is the JSON transport shared by the REST-based gateway adapters.
// Every failure comes back as a *paymentdomain.GatewayError.
type Client struct {
	gateway string
	baseURL string
	http    *http.Client
	auth    func(*http.Request)
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.auth = func(req *http.Request) { req.SetBasicAuth(username, password) }
	}
}

func WithBearer(token string) Option {
	return func(c *Client) {
		c.auth = func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
	}
}

func New(gateway, baseURL string, opts ...Option) *Client {
	c := &Client{
		gateway: gateway,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

type Request struct {
	Method  string
	Path    string
	JSON    any
	Form    url.Values
	Headers map[string]string
	// Auth overrides the client-level authorization for this call.
	Auth func(*http.Request)
}

// Do sends req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, op string, req Request, out any) error {
	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return c.permanent(op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return c.permanent(op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	switch {
	case req.Auth != nil:
		req.Auth(httpReq)
	case c.auth != nil:
		c.auth(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return paymentdomain.NewGatewayError(c.gateway, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return paymentdomain.NewGatewayError(c.gateway, op, resp.StatusCode,
			fmt.Errorf("provider response: %s", strings.TrimSpace(string(detail))))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return c.permanent(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) permanent(op string, err error) error {
	return &paymentdomain.GatewayError{Gateway: c.gateway, Op: op, Err: err}
}
