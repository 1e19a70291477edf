// Package httputil is the shared upstream HTTP transport. It decodes
// compressed bodies and turns failures into the gateway's transport and
// rejection errors.
package httputil

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"github.com/aistats/gateway/internal/domain"
)

// MaxResponseBytes caps how much of an upstream body is read.
const MaxResponseBytes = 32 << 20

type ClientConfig struct {
	// Timeout bounds one upstream call, body included.
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
	}
}

// NewClient builds the pooled client. It sets no client-wide timeout; Post
// bounds each call through its context instead.
func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}

// Caller posts JSON to one upstream.
type Caller struct {
	Client   *http.Client
	Provider string
	Timeout  time.Duration
}

// Post sends body to url and returns the decoded response body. Network
// failures and timeouts come back as ProviderTransportError, non-2xx
// responses as ProviderRejectionError.
func (c *Caller) Post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, c.transportErr(ctx, err)
	}
	defer resp.Body.Close()

	data, err := ReadBody(resp)
	if err != nil {
		return nil, c.transportErr(ctx, err)
	}

	if resp.StatusCode >= 400 {
		return nil, Rejection(c.Provider, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Caller) transportErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &domain.ProviderTransportError{Provider: c.Provider, Err: context.Canceled}
	}
	return &domain.ProviderTransportError{Provider: c.Provider, Timeout: domain.IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
}

// ReadBody reads resp.Body, undoing br or gzip content encoding.
func ReadBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = io.LimitReader(resp.Body, MaxResponseBytes)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r = brotli.NewReader(r)
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// Rejection builds a ProviderRejectionError from an upstream error body,
// reading the OpenAI and Anthropic error shapes.
func Rejection(provider string, status int, body []byte) *domain.ProviderRejectionError {
	e := &domain.ProviderRejectionError{Provider: provider, StatusCode: status}
	root := gjson.ParseBytes(body)
	if root.IsObject() {
		errObj := root.Get("error")
		if errObj.IsObject() {
			e.Message = errObj.Get("message").String()
			e.Code = firstNonEmpty(errObj.Get("code").String(), errObj.Get("type").String())
		} else if errObj.Type == gjson.String {
			e.Message = errObj.String()
		}
		if e.Message == "" {
			e.Message = firstNonEmpty(root.Get("message").String(), root.Get("Message").String())
		}
	}
	if e.Message == "" {
		e.Message = truncate(strings.TrimSpace(string(body)), 512)
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
