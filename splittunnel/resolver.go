package splittunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/yllada/vpn-core/common"
)

// Resolver looks up the IPv4 addresses of a domain.
type Resolver interface {
	LookupA(ctx context.Context, domain string) ([]net.IP, error)
}

var fallbackResolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// DNSResolver queries A records directly so the answer reflects what the
// configured name servers return, not any local hosts-file override.
type DNSResolver struct {
	Servers []string
	client  *dns.Client
}

// NewDNSResolver uses servers, or the system resolv.conf when empty.
func NewDNSResolver(servers []string) *DNSResolver {
	if len(servers) == 0 {
		servers = systemResolvers("/etc/resolv.conf")
	} else {
		servers = append([]string(nil), servers...)
	}
	for i, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			servers[i] = net.JoinHostPort(s, "53")
		}
	}
	return &DNSResolver{
		Servers: servers,
		client:  &dns.Client{Timeout: 3 * time.Second},
	}
}

func systemResolvers(path string) []string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || len(cfg.Servers) == 0 {
		common.LogDebug("Split tunnel: using fallback resolvers (%v)", err)
		return append([]string(nil), fallbackResolvers...)
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// errNoRecords is returned when the domain exists but has no A records.
var errNoRecords = errors.New("no A records")

// LookupA returns the A records of domain, trying each server in turn.
func (r *DNSResolver) LookupA(ctx context.Context, domain string) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.Servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("%s: %s", domain, dns.RcodeToString[resp.Rcode])
		}

		var ips []net.IP
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("%s: %w", domain, errNoRecords)
		}
		return ips, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no resolvers configured")
	}
	return nil, lastErr
}
