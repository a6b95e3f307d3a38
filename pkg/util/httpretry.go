package util

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callpulse-server/pkg/errors"
)

var retryableStatusCodes = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RequestOptions customizes one retried request.
type RequestOptions struct {
	Headers        map[string]string
	Query          url.Values
	JSONBody       interface{}
	FormBody       url.Values
	ExpectedStatus []int

	// BeforeAttempt supplies per-attempt headers, e.g. a fresh bearer
	// token. Returning an error aborts the request.
	BeforeAttempt func(attempt int) (map[string]string, error)

	// OnUnauthorized is invoked once per 401 so callers can invalidate
	// cached credentials before the next attempt.
	OnUnauthorized func()
}

// RetryingClient wraps an HTTP client with exponential backoff and
// jitter. Backoff doubles per attempt from the configured base and is
// jittered by plus or minus twenty percent.
type RetryingClient struct {
	client         *http.Client
	logger         *logrus.Logger
	maxAttempts    int
	backoffSeconds float64
	userAgent      string
}

// NewRetryingClient builds a retrying client. verifySSL=false disables
// certificate verification for lab upstreams.
func NewRetryingClient(logger *logrus.Logger, timeout time.Duration, maxAttempts int, backoffSeconds float64, verifySSL bool, userAgent string) *RetryingClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoffSeconds < 0.2 {
		backoffSeconds = 0.2
	}

	transport := &http.Transport{}
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &RetryingClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger:         logger,
		maxAttempts:    maxAttempts,
		backoffSeconds: backoffSeconds,
		userAgent:      userAgent,
	}
}

// Do issues the request, retrying network failures and retryable status
// codes. On success the response body is returned fully read.
func (c *RetryingClient) Do(ctx context.Context, method, rawURL string, opts RequestOptions) (int, []byte, error) {
	expected := opts.ExpectedStatus
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}

	target := rawURL
	if len(opts.Query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + opts.Query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, body, err := c.doOnce(ctx, method, target, opts, attempt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, nil, errors.Wrap(ctx.Err(), "request canceled", map[string]interface{}{"url": rawURL})
			}
			if attempt >= c.maxAttempts {
				break
			}
			c.sleepBackoff(ctx, attempt, method, target, "network")
			continue
		}

		for _, code := range expected {
			if status == code {
				return status, body, nil
			}
		}

		if status == http.StatusUnauthorized && opts.OnUnauthorized != nil {
			opts.OnUnauthorized()
		}

		if retryableStatusCodes[status] && attempt < c.maxAttempts {
			c.sleepBackoff(ctx, attempt, method, target, fmt.Sprintf("status_%d", status))
			continue
		}

		return status, body, errors.Wrap(errors.ErrUpstreamUnavailable, "unexpected upstream status", map[string]interface{}{
			"method": method,
			"url":    rawURL,
			"status": status,
			"body":   responseSnippet(body),
		})
	}

	return 0, nil, errors.Wrap(errors.ErrUpstreamUnavailable, "request failed after retries", map[string]interface{}{
		"method":   method,
		"url":      rawURL,
		"attempts": c.maxAttempts,
		"cause":    fmt.Sprintf("%v", lastErr),
	})
}

// PostJSON posts a JSON payload and expects a 200 response.
func (c *RetryingClient) PostJSON(ctx context.Context, rawURL string, headers map[string]string, payload interface{}) error {
	_, _, err := c.Do(ctx, http.MethodPost, rawURL, RequestOptions{
		Headers:  headers,
		JSONBody: payload,
	})
	return err
}

func (c *RetryingClient) doOnce(ctx context.Context, method, target string, opts RequestOptions, attempt int) (int, []byte, error) {
	var reqBody io.Reader
	switch {
	case opts.JSONBody != nil:
		encoded, err := json.Marshal(opts.JSONBody)
		if err != nil {
			return 0, nil, errors.Wrap(err, "cannot encode request body")
		}
		reqBody = bytes.NewReader(encoded)
	case opts.FormBody != nil:
		reqBody = strings.NewReader(opts.FormBody.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, err
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if opts.JSONBody != nil {
		req.Header.Set("Content-Type", "application/json")
	} else if opts.FormBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.BeforeAttempt != nil {
		extra, err := opts.BeforeAttempt(attempt)
		if err != nil {
			return 0, nil, err
		}
		for k, v := range extra {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (c *RetryingClient) sleepBackoff(ctx context.Context, attempt int, method, target, reason string) {
	delay := c.backoffSeconds * float64(int(1)<<uint(attempt-1))
	jitter := 0.8 + 0.4*rand.Float64()
	wait := time.Duration(delay * jitter * float64(time.Second))

	c.logger.WithFields(logrus.Fields{
		"method":  method,
		"url":     target,
		"attempt": attempt,
		"max":     c.maxAttempts,
		"delay":   wait.String(),
		"reason":  reason,
	}).Warn("Retrying upstream request")

	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

func responseSnippet(body []byte) string {
	compact := strings.Join(strings.Fields(string(body)), " ")
	if len(compact) > 240 {
		return compact[:237] + "..."
	}
	return compact
}
