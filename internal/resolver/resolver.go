// Package resolver implements asynchronous SOCKS4A hostname resolution.
//
// The original (evdns_base, via libevent) resolves hostnames without
// blocking the reactor thread and discards a lookup's result if the
// owning tunnel is torn down first. Here that maps onto a goroutine per
// lookup, cancelled through the caller's context.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/senlinzhan/socks4ad/internal/metrics"
)

// Result is delivered once on the channel returned by Resolve.
type Result struct {
	IP  net.IP
	Err error
}

// Resolver resolves hostnames to IPv4 addresses without blocking the
// caller.
type Resolver struct {
	resolver *net.Resolver
	metrics  *metrics.Metrics
}

// New returns a Resolver backed by the system's default DNS resolution
// (net.DefaultResolver unless overridden for tests).
func New(m *metrics.Metrics) *Resolver {
	return &Resolver{resolver: net.DefaultResolver, metrics: m}
}

// Resolve starts an asynchronous lookup of host and returns a channel
// that receives exactly one Result. If ctx is cancelled before the
// lookup completes — because the owning session was destroyed — the
// in-flight lookup is abandoned and nothing is sent on the channel.
func (r *Resolver) Resolve(ctx context.Context, host string) <-chan Result {
	out := make(chan Result, 1)

	go func() {
		start := time.Now()
		ip, err := r.lookupIPv4(ctx, host)
		if r.metrics != nil {
			r.metrics.ResolveLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				r.metrics.ResolveErrors.Inc()
			}
		}

		if ctx.Err() != nil {
			// Session was torn down while we were resolving; discard.
			return
		}
		out <- Result{IP: ip, Err: err}
	}()

	return out
}

func (r *Resolver) lookupIPv4(ctx context.Context, host string) (net.IP, error) {
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("resolver: no IPv4 address found for %q", host)
}
