// Package sender implements the thin HTTP request/response wrapper from
// spec.md §4.5: it builds a request from a Job's target, issues it, and
// classifies the result into a model.Outcome. It applies no retries of its
// own — that is the load generator's policy.
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/codahale/loadworker/internal/model"
)

// NewHTTPClient builds a connection-pooled, TLS-capable client tuned per
// spec.md §4.5: per-host idle pool sizing, TCP_NODELAY (Go's transport
// defaults to this), HTTP/2 negotiated via ALPN, and transparent gzip
// response decoding via DisableCompression=false.
func NewHTTPClient(timeout, connectTimeout time.Duration, maxIdleConnsPerHost int) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    false,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Sender issues one request per Send call and classifies its Outcome.
type Sender struct {
	client *http.Client
}

// New wraps client for use by the load generator.
func New(client *http.Client) *Sender {
	return &Sender{client: client}
}

// Send builds and issues a single request for tgt, fully consuming the
// response body so the connection may be reused, and returns a classified
// Outcome. It never retries.
func (s *Sender) Send(ctx context.Context, tgt model.Target) model.Outcome {
	var body io.Reader
	if len(tgt.Body) > 0 {
		body = bytes.NewReader(tgt.Body)
	}

	req, err := http.NewRequestWithContext(ctx, string(tgt.Method), tgt.URL, body)
	if err != nil {
		return model.Outcome{Kind: model.Other, ObservedAt: time.Now()}
	}
	for k, v := range tgt.Headers {
		req.Header.Set(k, v)
	}

	t0 := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		elapsed := time.Since(t0)
		return model.Outcome{
			Kind:       classifyTransportError(err),
			LatencyUs:  uint64(elapsed.Microseconds()),
			ObservedAt: time.Now(),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(t0)

	kind := model.HTTPOk
	if resp.StatusCode >= 400 {
		kind = model.HTTPError
	}
	return model.Outcome{
		Kind:       kind,
		Status:     resp.StatusCode,
		LatencyUs:  uint64(elapsed.Microseconds()),
		ObservedAt: time.Now(),
	}
}

// classifyTransportError inspects a transport-layer error to pick a
// model.OutcomeKind, per spec.md §4.5.
func classifyTransportError(err error) model.OutcomeKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return model.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.Timeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.DNS
	}
	var tlsErr tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return model.TLS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return model.Connect
		}
		if opErr.Op == "tls" || opErr.Op == "remote error" {
			return model.TLS
		}
	}
	return model.Other
}
