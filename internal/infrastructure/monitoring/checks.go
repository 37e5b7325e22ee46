package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the shared Redis client. A nil client adds nothing.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	if client == nil {
		return
	}
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddRelayCheck dials the relay port serving rawURL. Only reachability is
// checked; the stream itself may not exist yet.
func (h *HealthChecker) AddRelayCheck(name, rawURL string, interval, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid relay url %q: %w", rawURL, err)
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	h.AddCheck(name, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("relay %s unreachable: %w", addr, err)
		}
		return conn.Close()
	}, interval, timeout)
	return nil
}
