// Package connectivity provides the consumed cloud-API facade that
// returns the current host-address set for a thing, plus a
// cached, dedupe-on-read wrapper. The AWS-SDK-v2 client is grounded on
// boulder's rpc/amqp-rpc.go dial/call shape, generalized from AMQP
// RPC calls to a context-scoped SDK invocation; error classification
// follows smithy-go's error-code surface the way boulder's rpc layer
// classifies gRPC codes into retryable/terminal.
package connectivity

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/smithy-go"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/corecerts"
)

// Provider is the consumed interface: a blocking call to
// fetch the current connectivity set, classified by certerrors.Kind on
// failure. The non-blocking cached view is provided by CachedProvider,
// not by this interface.
type Provider interface {
	GetConnectivityInfo(ctx context.Context) ([]corecerts.ConnectivityInfo, error)
}

// Classify maps a ConnectivityProvider error to a retryable/terminal
// certerrors.Kind, following smithy-go's APIError surface (ErrorCode)
// the way boulder's probs package maps ACME problem types: Throttling
// and InternalServerError codes are transient, everything else is
// terminal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	// Already classified (e.g. by CachedProvider wrapping a raw client):
	// pass through so a retryable kind isn't demoted to terminal.
	if _, ok := err.(*certerrors.CoreError); ok {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "Throttling", "TooManyRequestsException":
			return certerrors.RetryableCloud(err, "throttled")
		case "InternalServerError", "InternalFailure", "ServiceUnavailable":
			return certerrors.RetryableCloud(err, "internal server error")
		default:
			return certerrors.TerminalCloud(err, "api error: %s", apiErr.ErrorCode())
		}
	}
	return certerrors.TerminalCloud(err, "connectivity lookup failed")
}

// IsRetryable reports whether err (already passed through Classify, or
// raw from a Provider) is worth retrying.
func IsRetryable(err error) bool {
	return certerrors.Is(err, certerrors.RetryableCloudError)
}

// CachedProvider wraps a Provider, remembering the host addresses of
// the last successful call.
type CachedProvider struct {
	inner Provider

	mu    sync.RWMutex
	hosts []string
}

// NewCachedProvider wraps inner with a cache. inner's
// GetConnectivityInfo is called through unchanged; only successful
// results update the cache.
func NewCachedProvider(inner Provider) *CachedProvider {
	return &CachedProvider{inner: inner}
}

// GetConnectivityInfo delegates to the wrapped Provider and updates the
// cached host-address view on success.
func (c *CachedProvider) GetConnectivityInfo(ctx context.Context) ([]corecerts.ConnectivityInfo, error) {
	info, err := c.inner.GetConnectivityInfo(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	hosts := make([]string, 0, len(info))
	for _, ci := range info {
		hosts = append(hosts, ci.HostAddress)
	}
	hosts = corecerts.DedupeHostAddresses(hosts)

	c.mu.Lock()
	c.hosts = hosts
	c.mu.Unlock()

	return info, nil
}

// CachedHostAddresses returns the host addresses from the last
// successful GetConnectivityInfo call, deduplicated with order
// preserved. Safe to call from any goroutine without blocking on
// network I/O.
func (c *CachedProvider) CachedHostAddresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.hosts))
	copy(out, c.hosts)
	return out
}
