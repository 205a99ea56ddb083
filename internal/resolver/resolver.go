// Package resolver resolves the server hostname using miekg/dns,
// grounded on the teacher's dnsclient.go (DNSRoundTrip/DNSParseResponse,
// built on the same library) generalized from the teacher's emulated
// DNS server scenario to querying the host's real resolv.conf
// nameservers, and wrapped with internal/backoff to satisfy spec.md
// §4.2's bounded-retry requirement.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/ooni/mauproxy/internal/backoff"
)

// ErrNoSuchHost is returned when the DNS server reports NXDOMAIN.
var ErrNoSuchHost = errors.New("resolver: no such host")

// ErrNoAnswer is returned when the response has no usable address.
var ErrNoAnswer = errors.New("resolver: no answer")

// Resolver resolves hostnames to IPv4 addresses.
type Resolver struct {
	// Policy is the retry schedule. Defaults to backoff.Default.
	Policy backoff.Policy

	// nameservers overrides the nameservers read from resolv.conf; used
	// by tests to point at a fake DNS server.
	nameservers []string
}

// New creates a [Resolver] that reads nameservers from /etc/resolv.conf
// (falling back to 8.8.8.8 if that file cannot be parsed or lists no
// nameserver).
func New() *Resolver {
	r := &Resolver{Policy: backoff.Default}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		for _, s := range cfg.Servers {
			r.nameservers = append(r.nameservers, net.JoinHostPort(s, cfg.Port))
		}
	} else {
		r.nameservers = []string{"8.8.8.8:53"}
	}
	return r
}

// NewWithNameservers creates a [Resolver] that queries exactly the given
// "ip:port" nameserver addresses, bypassing resolv.conf. Used by tests.
func NewWithNameservers(nameservers ...string) *Resolver {
	return &Resolver{Policy: backoff.Default, nameservers: nameservers}
}

// Resolve returns the first IPv4 address for hostname. If hostname is
// already a literal IP address, it is returned without any DNS query,
// mirroring firstIPv4AddressInResults's intent in
// original_source/MauProxy.cpp to always end up with an IPv4 endpoint.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (net.IP, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}

	query := newRequestA(hostname)

	var addr net.IP
	err := r.Policy.Retry(ctx, func() error {
		for _, ns := range r.nameservers {
			resp, err := exchange(ctx, ns, query)
			if err != nil {
				continue
			}
			ip, perr := parseResponse(query, resp)
			if perr != nil {
				if errors.Is(perr, ErrNoSuchHost) {
					return perr // non-transient, but still counts against the attempt budget
				}
				continue
			}
			addr = ip
			return nil
		}
		return fmt.Errorf("resolver: all nameservers failed for %q", hostname)
	})
	if err != nil {
		return nil, err
	}
	return addr, nil
}

func newRequestA(hostname string) *dns.Msg {
	query := &dns.Msg{}
	query.RecursionDesired = true
	query.Id = dns.Id()
	query.Question = []dns.Question{{
		Name:   dns.Fqdn(hostname),
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}
	return query
}

func exchange(ctx context.Context, nameserver string, query *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{}
	resp, _, err := client.ExchangeContext(ctx, query, nameserver)
	return resp, err
}

func parseResponse(query, resp *dns.Msg) (net.IP, error) {
	if resp == nil || !resp.Response || resp.Id != query.Id {
		return nil, fmt.Errorf("resolver: malformed response")
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
		// continue
	case dns.RcodeNameError:
		return nil, ErrNoSuchHost
	default:
		return nil, fmt.Errorf("resolver: server misbehaving (rcode %d)", resp.Rcode)
	}
	for _, answer := range resp.Answer {
		if a, ok := answer.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, ErrNoAnswer
}
