// Package access implements the caller allow-list applied to delivery.
package access

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Filter is an immutable allow-list of addresses and CIDR prefixes. It is
// built once at startup and safe for concurrent use.
type Filter struct {
	prefixes []netip.Prefix
}

// New builds a Filter from entries such as "10.0.0.7", "::1" or
// "192.168.0.0/16". An empty list yields a Filter that denies everyone.
func New(entries []string) (*Filter, error) {
	f := &Filter{}
	for _, raw := range entries {
		e := strings.TrimSpace(raw)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("access: invalid prefix %q: %w", e, err)
			}
			f.prefixes = append(f.prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("access: invalid address %q: %w", e, err)
		}
		a = a.Unmap()
		f.prefixes = append(f.prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return f, nil
}

// ParseList splits a comma- or whitespace-separated allow-list, the format
// used by the ALLOWED_IPS environment variable.
func ParseList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// IsAllowed reports whether callerAddress (an "ip" or "ip:port" string) is
// on the allow-list. Unparseable addresses are denied.
func (f *Filter) IsAllowed(callerAddress string) bool {
	if f == nil || len(f.prefixes) == 0 {
		return false
	}
	host := callerAddress
	if h, _, err := net.SplitHostPort(callerAddress); err == nil {
		host = h
	}
	// Zone identifiers never match a configured entry.
	a, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil || a.Zone() != "" {
		return false
	}
	a = a.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Len returns the number of allow-list entries.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.prefixes)
}
