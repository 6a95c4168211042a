// Package httpclient builds the resty clients used by the platform adapters.
package httpclient

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// Options configure an adapter client.
type Options struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryCount     int
	RetryWait      time.Duration
	RetryMaxWait   time.Duration
}

// New returns a JSON client that retries 5xx responses, and transport errors on idempotent methods only.
func New(opts Options) *resty.Client {
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.RetryMaxWait <= 0 {
		opts.RetryMaxWait = 5 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	client := resty.New().
		SetTransport(transport).
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.ConnectTimeout+opts.ReadTimeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(opts.RetryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(retryable)
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return client
}

// retryable never repeats a POST after a transport error: the platform may already have acted on it.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return resp != nil && resp.Request != nil && idempotent(resp.Request.Method)
	}
	return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// StatusError carries the status and body of a rejected request.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// Classify translates a resty result into the error taxonomy. It returns nil for 2xx responses.
func Classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%s: timeout: %w", op, apperrors.ErrRetryableExternal)
		}
		return fmt.Errorf("%s: %v: %w", op, err, apperrors.ErrRetryableExternal)
	}
	if resp == nil {
		return fmt.Errorf("%s: empty response: %w", op, apperrors.ErrRetryableExternal)
	}
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		return errors.Join(&StatusError{Op: op, Status: status, Body: truncate(resp.String())}, apperrors.ErrRetryableExternal)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// credentials, not the request
		return errors.Join(&StatusError{Op: op, Status: status, Body: truncate(resp.String())}, apperrors.ErrConfig)
	default:
		return errors.Join(&StatusError{Op: op, Status: status, Body: truncate(resp.String())}, apperrors.ErrPermanentExternal)
	}
}

func truncate(body string) string {
	const max = 256
	if len(body) > max {
		return body[:max]
	}
	return body
}
