package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Quality is the coarse connection classification surfaced to callers.
type Quality int

// Quality levels, worst first.
const (
	Offline Quality = iota
	Poor
	Good
	Excellent
)

func (q Quality) String() string {
	switch q {
	case Offline:
		return "offline"
	case Poor:
		return "poor"
	case Good:
		return "good"
	case Excellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// MarshalText renders the quality name in JSON output.
func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (q *Quality) UnmarshalText(b []byte) error {
	for c := Offline; c <= Excellent; c++ {
		if c.String() == string(b) {
			*q = c
			return nil
		}
	}

	return fmt.Errorf("connection: unknown quality %q", b)
}

// Transport is the network medium reported by the platform.
type Transport string

// Known transports.
const (
	TransportNone     Transport = "none"
	TransportWiFi     Transport = "wifi"
	TransportEthernet Transport = "ethernet"
	TransportCellular Transport = "cellular"
	TransportUnknown  Transport = "unknown"
)

// Reachability is one observation of the network.
type Reachability struct {
	// Reachable is true when a network route exists.
	Reachable bool
	Transport Transport
	// Generation is the cellular generation ("3g", "4g", "5g"), if known.
	Generation string
	// Confirmed is true when an actual round trip succeeded, as opposed to
	// the platform merely reporting an interface as up.
	Confirmed bool
}

// Classify maps an observation to a Quality.
func Classify(r Reachability) Quality {
	if !r.Reachable || r.Transport == TransportNone {
		return Offline
	}

	if !r.Confirmed {
		return Poor
	}

	switch r.Transport {
	case TransportWiFi, TransportEthernet:
		return Excellent
	case TransportCellular:
		if goodGeneration(r.Generation) {
			return Good
		}

		return Poor
	default:
		return Good
	}
}

func goodGeneration(g string) bool {
	switch strings.ToLower(g) {
	case "4g", "5g":
		return true
	default:
		return false
	}
}

// QualityFromLatency classifies a measured round trip.
func QualityFromLatency(d time.Duration) Quality {
	switch {
	case d < time.Second:
		return Excellent
	case d < 3*time.Second:
		return Good
	default:
		return Poor
	}
}

// Prober observes the network on demand.
type Prober interface {
	Probe(ctx context.Context) Reachability
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) Reachability

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) Reachability { return f(ctx) }

// DialProbe confirms reachability by opening a TCP connection to Address.
// Transport and Generation describe the medium, which a dial cannot
// detect; they come from configuration.
type DialProbe struct {
	Address    string
	Timeout    time.Duration
	Transport  Transport
	Generation string

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Probe dials Address. A DNS failure or refused route is unreachable; a
// dial that times out after resolving is reachable but unconfirmed.
func (p *DialProbe) Probe(ctx context.Context) Reachability {
	transport := p.Transport
	if transport == "" {
		transport = TransportUnknown
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dial := p.dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(ctx, "tcp", p.Address)
	if err != nil {
		if isTimeout(err) {
			return Reachability{Reachable: true, Transport: transport, Generation: p.Generation}
		}

		return Reachability{Transport: TransportNone}
	}

	_ = conn.Close()

	return Reachability{Reachable: true, Transport: transport, Generation: p.Generation, Confirmed: true}
}

func isTimeout(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
