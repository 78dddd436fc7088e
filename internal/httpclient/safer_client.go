// Package httpclient provides an HTTP client hardened against SSRF.
// Dataset rows may carry arbitrary image URLs, so every outbound fetch
// validates the scheme and destination before dialing.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/hone/errors"
)

// SaferClient wraps http.Client with SSRF protection.
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// SaferClientOptions overrides the protection defaults. Nil fields keep
// the default: http/https only, 10 redirects, private IPs blocked.
type SaferClientOptions struct {
	AllowedSchemes []string
	MaxRedirects   *int
	BlockPrivateIP *bool
}

// NewSaferClient creates an HTTP client with the default protections.
func NewSaferClient(timeout time.Duration) *SaferClient {
	return NewSaferClientWithOptions(timeout, SaferClientOptions{})
}

// NewSaferClientWithOptions creates an HTTP client with custom SSRF
// protection. LLM gateways disable BlockPrivateIP so configured local
// servers (Ollama) stay reachable; the image fetcher keeps it on.
func NewSaferClientWithOptions(timeout time.Duration, opts SaferClientOptions) *SaferClient {
	c := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: true,
		maxRedirects:   10,
	}
	if opts.AllowedSchemes != nil {
		c.allowedSchemes = opts.AllowedSchemes
	}
	if opts.BlockPrivateIP != nil {
		c.blockPrivateIP = *opts.BlockPrivateIP
	}
	if opts.MaxRedirects != nil {
		c.maxRedirects = *opts.MaxRedirects
	}

	// Redirect targets get the same validation as the original URL.
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("giving up after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect rejected")
		}
		return nil
	}

	// Re-check resolved IPs at dial time so DNS rebinding cannot bypass
	// the hostname validation.
	if c.blockPrivateIP {
		c.Transport = newGuardedTransport()
	}
	return c
}

// newGuardedTransport returns a transport whose dialer re-resolves the
// host and refuses private destinations.
func newGuardedTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "split address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("refusing private IP %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// validateURL rejects URLs the client must never fetch. The userinfo
// check runs before the host checks so http://evil.com@localhost/ is
// reported as an @ trick rather than a localhost hit.
func (c *SaferClient) validateURL(u *url.URL) error {
	if scheme := strings.ToLower(u.Scheme); !slices.Contains(c.allowedSchemes, scheme) {
		return errors.Newf("unsupported scheme %q (allowed: %v)", scheme, c.allowedSchemes)
	}
	if strings.Contains(u.String(), "@") {
		return errors.New("'@' in URL rejected")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL has no hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("refusing localhost destination")
		}
		// Literal private IPs caught here, resolved ones at dial time.
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return errors.Newf("refusing private IP %s", hostname)
		}
	}
	return nil
}

// ValidateURL parses and validates a URL string before a request is built.
func (c *SaferClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get validates urlStr and then issues a plain GET.
func (c *SaferClient) Get(urlStr string) (*http.Response, error) {
	if _, err := c.ValidateURL(urlStr); err != nil {
		return nil, err
	}
	return c.Client.Get(urlStr)
}

// Do validates the request URL and then executes it. Build non-GET
// requests with http.NewRequest and pass them here.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "rejected by SSRF protection")
	}
	return c.Client.Do(req)
}

// WrapClient wraps an existing http.Client without private-IP blocking.
// Only for tests that talk to httptest servers on localhost.
func WrapClient(client *http.Client) *SaferClient {
	return &SaferClient{
		Client:         client,
		allowedSchemes: []string{"http", "https"},
		blockPrivateIP: false,
		maxRedirects:   10,
	}
}

// privateV4Blocks covers RFC 1918 plus loopback, link-local, multicast
// and the other special-use ranges.
var privateV4Blocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"224.0.0.0/4",
	"240.0.0.0/4",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	blocks := make([]*net.IPNet, len(cidrs))
	for i, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		blocks[i] = block
	}
	return blocks
}

// isPrivateIP reports whether ip is in a private or special-use range.
// IPv4-mapped IPv6 addresses are checked as their IPv4 form.
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if len(ip) != net.IPv6len {
		return false
	}
	switch {
	case ip.IsLoopback(), ip.IsLinkLocalUnicast(), ip.IsMulticast(), ip.IsUnspecified():
		return true
	case ip[0]&0xfe == 0xfc:
		// Unique local fc00::/7, the IPv6 counterpart of RFC 1918.
		return true
	case ip[0] == 0xfe && ip[1]&0xc0 == 0xc0:
		// Site-local fec0::/10, deprecated but still blocked.
		return true
	case ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8:
		// Documentation prefix 2001:db8::/32.
		return true
	}
	return false
}

// isLocalhost matches localhost and its *.localhost variants.
func isLocalhost(hostname string) bool {
	h := strings.ToLower(hostname)
	return h == "localhost" || h == "localhost.localdomain" || strings.HasSuffix(h, ".localhost")
}
