package mcp

import (
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"strings"
)

// blockedHostnames are internal aliases rejected outright regardless of
// DNS resolution, grounded on the original McpManager._validate_sse_url's
// explicit hostname blocklist.
var blockedHostnames = map[string]bool{
	"localhost":                 true,
	"metadata.google.internal":  true,
	"metadata":                  true,
}

// blockedNetworks mirrors the original McpManager._BLOCKED_NETWORKS: loopback,
// RFC1918 private, link-local (which also covers the common cloud metadata
// address 169.254.169.254), unique-local, and CGNAT ranges.
var blockedNetworks = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func isBlockedIP(ip net.IP) bool {
	for _, n := range blockedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// validateRemoteURL implements the pre-connect validation required before
// an SSE/HTTP tool-provider connect attempt: scheme check, hostname
// blocklist, then DNS-resolved IP blocklist. It never initiates the actual
// MCP connection.
func validateRemoteURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if blockedHostnames[strings.ToLower(host)] {
		return fmt.Errorf("host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("host %q resolves to a blocked network", host)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return fmt.Errorf("host %q resolves to a blocked network (%s)", host, ip)
		}
	}
	return nil
}

// validateCommand implements the pre-connect validation required before a
// stdio tool-provider connect attempt: the command must resolve on PATH,
// matching the original McpManager._validate_command's shutil.which check.
func validateCommand(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty command")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return fmt.Errorf("command %q not found on PATH: %w", command[0], err)
	}
	return nil
}

// resourceBundle is an ordered stack of closers for the sub-resources
// acquired while connecting a provider (subprocess, session, ...). If any
// acquisition step after the first fails, every already-pushed closer runs
// in reverse order so a failed connect never leaks a resource.
type resourceBundle struct {
	closers []func()
}

func newResourceBundle() *resourceBundle {
	return &resourceBundle{}
}

func (b *resourceBundle) push(closer func()) {
	b.closers = append(b.closers, closer)
}

func (b *resourceBundle) closeAll() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
