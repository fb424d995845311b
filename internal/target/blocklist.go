package target

import (
	"fmt"
	"net"
	"strings"
	"syscall"

	"frameproxy/internal/config"
)

// Blocklist is the immutable set of destinations the proxy refuses to reach.
// It is built once from configuration and shared read-only by every request.
type Blocklist struct {
	hosts    map[string]struct{}
	suffixes []string
	nets     []*net.IPNet
}

// NewBlocklist builds a Blocklist from host patterns and CIDR ranges.
// A host pattern is either an exact name or "*.suffix", which matches the
// suffix itself and every subdomain of it.
func NewBlocklist(hosts, cidrs []string) (*Blocklist, error) {
	b := &Blocklist{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = canonicalHost(h)
		if h == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(h, "*."); ok {
			b.suffixes = append(b.suffixes, rest)
			continue
		}
		b.hosts[h] = struct{}{}
	}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("parse blocklist cidr %q: %w", c, err)
		}
		b.nets = append(b.nets, n)
	}
	return b, nil
}

// NewBlocklistFromConfig builds the Blocklist described by the [blocklist] section.
func NewBlocklistFromConfig(cfg *config.Config) (*Blocklist, error) {
	return NewBlocklist(cfg.Blocklist.Hosts, cfg.Blocklist.CIDRs)
}

// Len returns the number of host patterns and networks in the list.
func (b *Blocklist) Len() int {
	return len(b.hosts) + len(b.suffixes) + len(b.nets)
}

// BlocksHost reports whether a hostname (or literal IP) is blocked.
func (b *Blocklist) BlocksHost(host string) bool {
	host = canonicalHost(host)
	if host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return b.BlocksIP(ip)
	}
	if _, ok := b.hosts[host]; ok {
		return true
	}
	for _, s := range b.suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// BlocksIP reports whether ip falls inside a blocked network.
func (b *Blocklist) BlocksIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range b.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// DialControl is a net.Dialer Control hook that refuses connections to
// blocked addresses after DNS resolution, so a public name pointing at an
// internal address cannot bypass the host check.
func (b *Blocklist) DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && b.BlocksIP(ip) {
		return fmt.Errorf("dial %s: %w", address, ErrForbiddenHost)
	}
	return nil
}

func canonicalHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	return strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
}
