// Package http is the instrumented HTTP client. Calls made through Do
// are tracked by a monitor.HTTPMonitor, and Send carries beacon batches
// to the collector.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"beacon/internal/model"
	"beacon/internal/monitor"
)

const (
	// MaxResponseSize limits response body to 50MB to prevent memory exhaustion
	MaxResponseSize = 50 * 1024 * 1024

	// Default timeout for HTTP requests
	DefaultTimeout = 30 * time.Second
)

// Client wraps the standard http.Client with call tracking
type Client struct {
	client   *http.Client
	monitor  *monitor.HTTPMonitor
	viewName string
	logger   *zap.SugaredLogger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithMonitor tracks every call made through Do with mon, attributing
// it to viewName
func WithMonitor(mon *monitor.HTTPMonitor, viewName string) Option {
	return func(c *Client) {
		c.monitor = mon
		c.viewName = viewName
	}
}

// WithLogger sets the logger used for connection warnings
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new HTTP client
func NewClient(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes an HTTP request and returns the response. With a monitor
// configured, the call is marked before it is sent and the marker is
// finished, failed or canceled with the outcome.
func (c *Client) Do(ctx context.Context, method, reqURL string, headers map[string]string, body string) (*model.Response, error) {
	// Validate URL and check for SSRF risks
	if err := c.validateURL(reqURL); err != nil {
		return nil, err
	}

	// Warn about insecure HTTP connections
	if strings.HasPrefix(strings.ToLower(reqURL), "http://") {
		c.logger.Warn("Using insecure HTTP connection. Data will be transmitted unencrypted.")
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}

	// Set headers
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	// Default Content-Type for requests with body
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	var marker *monitor.Marker
	if c.monitor != nil {
		marker = c.monitor.Mark(req.URL, method, monitor.TriggerAutomatic, c.viewName)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if marker != nil {
			if errors.Is(err, context.Canceled) {
				marker.Cancel()
			} else {
				marker.Fail(err)
			}
		}
		return nil, err
	}
	defer resp.Body.Close()

	// Read response body with size limit to prevent memory exhaustion
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	respBody, err := io.ReadAll(limitedReader)
	if err != nil {
		if marker != nil {
			marker.Fail(err)
		}
		return nil, err
	}
	duration := time.Since(start)

	if marker != nil {
		marker.SetResponseSize(monitor.HTTPSizeFromResponse(resp, int64(len(respBody))))
		marker.SetBackendTraceID(monitor.BackendTraceID(resp.Header))
		marker.Finish(resp.StatusCode)
	}

	// Check if response was truncated
	if int64(len(respBody)) > MaxResponseSize {
		respBody = respBody[:MaxResponseSize]
		c.logger.Warn("Response body truncated (exceeded 50MB limit)")
	}

	// Convert response headers
	respHeaders := make(map[string]string)
	for key, values := range resp.Header {
		if len(values) > 0 {
			respHeaders[key] = values[0]
		}
	}

	return &model.Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    respHeaders,
		Body:       string(respBody),
		DurationMs: duration.Milliseconds(),
	}, nil
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*model.Response, error) {
	return c.Do(ctx, http.MethodGet, url, headers, "")
}

// Post performs a POST request
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body string) (*model.Response, error) {
	return c.Do(ctx, http.MethodPost, url, headers, body)
}

// Put performs a PUT request
func (c *Client) Put(ctx context.Context, url string, headers map[string]string, body string) (*model.Response, error) {
	return c.Do(ctx, http.MethodPut, url, headers, body)
}

// Patch performs a PATCH request
func (c *Client) Patch(ctx context.Context, url string, headers map[string]string, body string) (*model.Response, error) {
	return c.Do(ctx, http.MethodPatch, url, headers, body)
}

// Delete performs a DELETE request
func (c *Client) Delete(ctx context.Context, url string, headers map[string]string) (*model.Response, error) {
	return c.Do(ctx, http.MethodDelete, url, headers, "")
}

// Send transmits a prepared beacon batch and returns the status code.
// Batches are never tracked by the monitor.
func (c *Client) Send(req *http.Request) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
	return resp.StatusCode, nil
}

// validateURL checks the URL for potential SSRF vulnerabilities
func (c *Client) validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Ensure scheme is http or https
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported URL scheme: %s (only http and https are allowed)", parsed.Scheme)
	}

	// Get the hostname (without port)
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}

	lowerHost := strings.ToLower(hostname)
	if lowerHost == "localhost" || lowerHost == "127.0.0.1" || lowerHost == "::1" {
		c.logger.Warn("Making request to localhost/loopback address")
	}

	if isPrivateOrReservedHost(hostname) {
		c.logger.Warn("Making request to private/internal IP address")
	}

	// Block cloud metadata endpoints (common SSRF targets)
	if isCloudMetadataEndpoint(hostname) {
		return fmt.Errorf("blocked request to cloud metadata endpoint: %s", hostname)
	}

	return nil
}

// isPrivateOrReservedHost checks if the hostname is a private or reserved IP
func isPrivateOrReservedHost(hostname string) bool {
	privatePatterns := []string{
		"10.",          // 10.0.0.0/8
		"192.168.",     // 192.168.0.0/16
		"172.16.", "172.17.", "172.18.", "172.19.", // 172.16.0.0/12
		"172.20.", "172.21.", "172.22.", "172.23.",
		"172.24.", "172.25.", "172.26.", "172.27.",
		"172.28.", "172.29.", "172.30.", "172.31.",
		"0.",       // 0.0.0.0/8
		"169.254.", // Link-local
	}

	for _, pattern := range privatePatterns {
		if strings.HasPrefix(hostname, pattern) {
			return true
		}
	}

	return false
}

// isCloudMetadataEndpoint checks if the hostname is a cloud metadata service
func isCloudMetadataEndpoint(hostname string) bool {
	metadataHosts := map[string]bool{
		"169.254.169.254":          true, // AWS, GCP, Azure metadata
		"metadata.google.internal": true, // GCP metadata
		"metadata.goog":            true, // GCP metadata alternative
		"100.100.100.200":          true, // Alibaba Cloud metadata
		"169.254.170.2":            true, // AWS ECS task metadata
	}

	return metadataHosts[strings.ToLower(hostname)]
}
