package util

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeAddr returns the provided address if it is non-empty (after trimming
// whitespace), or the fallback value if the address is empty or whitespace-only.
//
// Forward specs may omit either side's address. The listening side then
// defaults to "127.0.0.1" and the destination side to "localhost", matching
// OpenSSH's LocalForward/RemoteForward behavior.
//
// Examples:
//
//	NormalizeAddr("",          "127.0.0.1") → "127.0.0.1"
//	NormalizeAddr("0.0.0.0",   "127.0.0.1") → "0.0.0.0"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}

// NormalizeHost canonicalizes a remote host name for session bookkeeping and
// known_hosts lookups. DNS names are case-insensitive and are lowercased.
// Literal IPv4/IPv6 addresses are returned untouched (minus any surrounding
// brackets) because case folding has no meaning for them and would alter
// zone identifiers such as "fe80::1%eth0".
//
// Examples:
//
//	NormalizeHost("Build.Example.COM") → "build.example.com"
//	NormalizeHost("[fe80::1%Eth0]")    → "fe80::1%Eth0"
//	NormalizeHost(" 10.0.0.7 ")        → "10.0.0.7"
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if IsIPLiteral(host) {
		return host
	}
	return strings.ToLower(host)
}

// IsIPLiteral reports whether host parses as an IP address, with or without
// an IPv6 zone.
func IsIPLiteral(host string) bool {
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return net.ParseIP(host) != nil
}

// IsLoopback reports whether addr names the local host only. An empty
// address counts as loopback since every caller defaults it to 127.0.0.1.
func IsLoopback(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.EqualFold(addr, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]"))
	return ip != nil && ip.IsLoopback()
}

// HostPort joins host and port, bracketing IPv6 literals.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
