package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// HTTPClient speaks the cart REST binding:
//
//	GET    /cart        fetch
//	POST   /cart        add     {"product_id","quantity","variant_id"}
//	DELETE /cart/{id}   remove
//	PUT    /cart/{id}   update  {"quantity"}
//	DELETE /cart        clear
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithTimeout bounds each request. Zero means no per-request limit beyond
// the caller's context.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.timeout = d }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.client = hc }
}

// WithLogger sets the logger for request tracing.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the backend rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetCart fetches the raw cart envelope.
func (c *HTTPClient) GetCart(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/cart", nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET /cart: response is not JSON")
	}
	return json.RawMessage(body), nil
}

// AddToCart adds a product.
func (c *HTTPClient) AddToCart(ctx context.Context, req AddRequest) (Ack, error) {
	return c.ack(ctx, http.MethodPost, "/cart", req)
}

// RemoveFromCart removes the line or variant with the given id.
func (c *HTTPClient) RemoveFromCart(ctx context.Context, id string) (Ack, error) {
	return c.ack(ctx, http.MethodDelete, "/cart/"+url.PathEscape(id), nil)
}

// UpdateCartItem sets the quantity of the line or variant with the given id.
func (c *HTTPClient) UpdateCartItem(ctx context.Context, id string, quantity int) (Ack, error) {
	return c.ack(ctx, http.MethodPut, "/cart/"+url.PathEscape(id), UpdateRequest{Quantity: quantity})
}

// ClearCart empties the cart.
func (c *HTTPClient) ClearCart(ctx context.Context) (Ack, error) {
	return c.ack(ctx, http.MethodDelete, "/cart", nil)
}

func (c *HTTPClient) ack(ctx context.Context, method, path string, in any) (Ack, error) {
	body, err := c.do(ctx, method, path, in)
	if err != nil {
		return Ack{}, err
	}
	var a Ack
	if len(bytes.TrimSpace(body)) == 0 {
		return a, nil
	}
	// A success body that is not an object still counts as success.
	if err := json.Unmarshal(body, &a); err != nil {
		c.logger.Debug("ignoring non-JSON success body", "method", method, "path", path)
		return Ack{}, nil
	}
	return a, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	op := method + " " + path

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}

	c.logger.Debug("cart request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
