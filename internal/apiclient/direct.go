package apiclient

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// GetDirect calls the backend directly, bypassing the proxy and its
// timeout, with a DirectTimeout bound. When the direct call fails at the
// network level it falls back to the proxy path with a ProxyTimeout bound.
// Auth and HTTP errors from the direct call are returned as-is.
func (c *Client) GetDirect(ctx context.Context, endpoint, token string) (json.RawMessage, error) {
	if c.directURL == "" {
		return c.Get(ctx, endpoint, token)
	}

	token, err := c.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	directCtx, cancel := context.WithTimeout(ctx, c.directTO)
	data, directErr := c.do(directCtx, c.directURL, http.MethodGet, endpoint, nil, token)
	cancel()
	if directErr == nil {
		return data, nil
	}
	if ctx.Err() != nil || !isNetworkError(directErr) {
		return nil, directErr
	}

	c.logger.LogWarn(ctx, "direct fetch failed, falling back to proxy",
		"endpoint", endpoint, "error", directErr)

	proxyCtx, cancel := context.WithTimeout(ctx, c.proxyTO)
	defer cancel()
	data, proxyErr := c.do(proxyCtx, c.baseURL, http.MethodGet, endpoint, nil, token)
	if proxyErr != nil {
		return nil, &FallbackError{Direct: directErr, Proxy: proxyErr}
	}
	return data, nil
}

// FallbackError reports that both the direct and the proxy path failed.
type FallbackError struct {
	Direct error
	Proxy  error
}

func (e *FallbackError) Error() string {
	return "direct fetch failed (network): " + e.Direct.Error() + ". proxy fallback also failed: " + e.Proxy.Error()
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Proxy, e.Direct}
}

// isNetworkError reports failures below HTTP: DNS, dial, TLS, resets and
// timeouts.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) || IsAuthError(err) {
		return false
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	var certErr *x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr),
		errors.As(err, &certErr), errors.As(err, &hostErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
