package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint marks a webhook URL that would reach an internal
// address.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// carrierNAT is the RFC 6598 shared address space, routed inside providers.
var carrierNAT = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

var blockedHosts = []string{"localhost", "metadata", "metadata.google.internal", "metadata.google"}

// EndpointPolicy decides which outbound notification URLs are acceptable.
type EndpointPolicy struct {
	// RequireHTTPS rejects plain http URLs.
	RequireHTTPS bool
	// Lookup resolves host names. Nil uses net.LookupHost.
	Lookup func(host string) ([]string, error)
}

// ValidateEndpointURL applies the default EndpointPolicy.
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Validate(rawURL)
}

// Validate checks that rawURL is safe for server-side requests. Loopback,
// private, link-local, carrier NAT, multicast and unspecified addresses are
// refused, both as literals and as resolution results.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return fmt.Errorf("URL scheme must be https")
		}
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}

	host := strings.TrimSuffix(u.Hostname(), ".")
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: URL host %q is not allowed", ErrBlockedEndpoint, host)
		}
	}
	if strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: URL host %q is not allowed", ErrBlockedEndpoint, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = net.LookupHost
	}
	addrs, err := lookup(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	var reason string
	switch {
	case ip.IsLoopback():
		reason = "loopback addresses are not allowed"
	case ip.IsPrivate():
		reason = "private addresses are not allowed"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		reason = "link-local addresses are not allowed"
	case ip.IsUnspecified():
		reason = "unspecified addresses are not allowed"
	case ip.IsMulticast():
		reason = "multicast addresses are not allowed"
	case carrierNAT.Contains(ip):
		reason = "carrier NAT addresses are not allowed"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBlockedEndpoint, reason)
}
