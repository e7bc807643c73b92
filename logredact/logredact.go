// Package logredact partially redacts identity fields before they reach
// structured logs, so an access log or an auth-failure log line never
// carries a usable email address or a full client IP.
package logredact

import (
	"errors"
	"net"
	"strings"
)

// Email redacts the local part of an address, keeping the domain so log
// aggregation can still group by tenant: "alice@example.com" becomes
// "*****@example.com".
func Email(email string) string {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "***"
	}
	return strings.Repeat("*", len(parts[0])) + "@" + parts[1]
}

// ErrInvalidIPv4 is returned by IPv4 when the input doesn't parse as an
// IPv4 address.
var ErrInvalidIPv4 = errors.New("logredact: invalid IPv4 address")

// IPv4 zeroes the last n octets of an IPv4 address, preserving enough of
// the prefix for coarse geo/ASN grouping while dropping the host part.
func IPv4(ip string, n int) (string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return "", ErrInvalidIPv4
	}
	if n <= 0 {
		return ip, nil
	}
	if n > 4 {
		n = 4
	}
	octets := strings.Split(parsed.String(), ".")
	for i := 4 - n; i < 4; i++ {
		octets[i] = "0"
	}
	return strings.Join(octets, "."), nil
}
