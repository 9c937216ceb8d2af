package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/yllada/tunnelctl/clock"
)

// ErrNoReply is returned when no echo reply arrived.
var ErrNoReply = errors.New("no echo reply")

// PingResult summarises one round of echo requests.
type PingResult struct {
	Sent     int
	Received int
	AvgRTT   time.Duration
}

// Loss returns the fraction of requests left unanswered.
func (r PingResult) Loss() float64 {
	if r.Sent == 0 {
		return 1
	}
	return float64(r.Sent-r.Received) / float64(r.Sent)
}

// Pinger sends ICMP echo requests.
type Pinger interface {
	Ping(ctx context.Context, addr string, count int) (PingResult, error)
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context, addr string, count int) (PingResult, error)

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context, addr string, count int) (PingResult, error) {
	return f(ctx, addr, count)
}

// ICMPPinger pings with pro-bing. Unprivileged mode uses UDP echo sockets.
type ICMPPinger struct {
	Privileged bool
	Interval   time.Duration
	// Timeout bounds one Ping call.
	Timeout time.Duration
}

// Ping sends count requests to addr.
func (p ICMPPinger) Ping(ctx context.Context, addr string, count int) (PingResult, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return PingResult{}, fmt.Errorf("pinger for %s: %w", addr, err)
	}

	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Duration(count)*interval + time.Second
	}

	pinger.Count = count
	pinger.Interval = interval
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return PingResult{}, fmt.Errorf("ping %s: %w", addr, err)
	}

	stats := pinger.Statistics()
	res := PingResult{Sent: stats.PacketsSent, Received: stats.PacketsRecv, AvgRTT: stats.AvgRtt}
	if res.Received == 0 {
		return res, ErrNoReply
	}
	return res, nil
}

// runCanary pings addr once a second until a reply arrives or ctx ends.
// It reports true only on a reply.
func runCanary(ctx context.Context, clk clock.Clock, p Pinger, addr string) bool {
	for {
		res, _ := p.Ping(ctx, addr, 1)
		if res.Received > 0 {
			return true
		}
		wait := clk.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			wait.Stop()
			return false
		case <-wait.C():
		}
	}
}
