package webhook

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// lookupTimeout bounds the DNS resolution performed before any webhook
// delivery attempt.
const lookupTimeout = 5 * time.Second

// AllowedHosts bypasses the SSRF guard for specific hostnames (matched
// against the URL's hostname, without any port), grounded on internal/upload/ssrf.go's SSRFAllowedHostsList —
// intended for tests that stand up an httptest.Server on loopback and
// need real deliveries to reach it. Production deployments should leave
// this empty.
var AllowedHosts []string

func isAllowedHost(host string) bool {
	for _, allowed := range AllowedHosts {
		if allowed == host {
			return true
		}
	}
	return false
}

// metadataServiceIPs blocks the well-known cloud instance-metadata
// addresses explicitly, in addition to the private/loopback/link-local
// ranges already covered by privateRanges — 169.254.169.254 (AWS/GCP/
// Azure) falls inside 169.254.0.0/16 already, but the IPv6 variant
// (fd00:ec2::254, AWS IMDSv2 over IPv6) sits inside fc00::/7 and is listed
// separately here for clarity since it's the SSRF target spec.md §4.13
// calls out by name ("metadata-service").
var metadataServiceIPs = map[string]bool{
	"169.254.169.254": true,
	"fd00:ec2::254":   true,
}

// privateRanges are the CIDR blocks a resolved webhook target must not
// fall inside, grounded on
// internal/upload/ssrf.go's privateRanges table (same ranges; IPv6-mapped
// loopback added per spec.md §4.13's explicit call-out).
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"169.254.0.0/16", // link-local / cloud metadata
		"0.0.0.0/8",      // unspecified
		"::1/128",        // IPv6 loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
	} {
		_, ipNet, _ := net.ParseCIDR(cidr)
		privateRanges = append(privateRanges, ipNet)
	}
}

// isBlockedIP reports whether ip is private, loopback, link-local,
// unspecified, a known metadata-service address, or an IPv4-mapped IPv6
// loopback (spec.md §4.13's "IPv6-mapped loopback" call-out — an address
// like ::ffff:127.0.0.1 must unwrap to its v4 form before the range check
// or it slips past the IPv6-only ranges above).
func isBlockedIP(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if metadataServiceIPs[ip.String()] {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// resolvePublicIP resolves host asynchronously and returns the first
// address that is not blocked, or an error if host resolves only to
// blocked addresses or fails to resolve at all. Grounded on
// internal/upload/ssrf.go's ResolvePublicIP.
func resolvePublicIP(ctx context.Context, resolver *net.Resolver, host string) (net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("empty hostname")
	}
	if idx := strings.IndexByte(host, '%'); idx != -1 {
		host = host[:idx] // strip IPv6 zone suffix
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("webhook target %q is a blocked IP %s", host, ip)
		}
		return ip, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("DNS lookup returned no addresses for %q", host)
	}
	for _, a := range addrs {
		if a.IP != nil && !isBlockedIP(a.IP) {
			return a.IP, nil
		}
	}
	return nil, fmt.Errorf("hostname %q resolves only to blocked addresses", host)
}

// ValidateURL checks scheme and performs the async DNS resolution spec.md
// §4.13 requires before any network I/O is attempted against a webhook
// URL. It does not pin the dial to the resolved IP (unlike
// SSRFSafeDialContext in the upload package) because webhook delivery
// additionally needs normal HTTP redirect handling and TLS SNI against the
// hostname; instead Dispatcher re-validates on every delivery attempt,
// which also re-runs DNS on each retry and catches a hostname that
// started public and was repointed at a private address mid-retry-loop.
func ValidateURL(ctx context.Context, resolver *net.Resolver, rawURL string, scheme, host string) error {
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url %q: unsupported scheme %q", rawURL, scheme)
	}
	if host == "" {
		return fmt.Errorf("webhook url %q: missing host", rawURL)
	}
	if isAllowedHost(host) {
		return nil
	}
	_, err := resolvePublicIP(ctx, resolver, host)
	return err
}
