// Package httpclient hardens outbound HTTP against SSRF. Endpoint URLs are
// tenant-supplied, so every dispatch validates the scheme and host, blocks
// loopback and private ranges (with a config escape hatch for self-hosted
// deployments that probe internal networks), re-validates on every redirect
// hop, and re-checks resolved IPs at dial time to defeat DNS rebinding.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rubato-io/rubato/errors"
)

const defaultMaxRedirects = 10

// Options configures the guard rails.
type Options struct {
	// AllowPrivateNetworks disables loopback and private-range blocking.
	// Self-hosted deployments probing internal services set this.
	AllowPrivateNetworks bool
	// MaxRedirects caps the redirect chain; zero means 10.
	MaxRedirects int
}

// Client is an http.Client with URL validation on the request and on every
// redirect. Deadlines come from the request context, not the client, so
// callers own their own timeout math.
type Client struct {
	*http.Client
	allowPrivate bool
	maxRedirects int
}

// New builds a guarded client.
func New(opts Options) *Client {
	c := &Client{
		Client:       &http.Client{},
		allowPrivate: opts.AllowPrivateNetworks,
		maxRedirects: opts.MaxRedirects,
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = defaultMaxRedirects
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !c.allowPrivate {
		// Validate the IPs a hostname actually resolves to, not just the
		// literal in the URL, so rebinding a public name to 169.254.x.x
		// between validation and dial still fails.
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}
	c.Transport = transport
	return c
}

// Do validates the request URL and executes it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// Validate parses and validates a URL string without dispatching.
func (c *Client) Validate(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	if u.User != nil {
		// http://evil.com@localhost/ style confusion
		return errors.New("URL userinfo not allowed")
	}
	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(hostname) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private address blocked: %s", hostname)
	}
	return nil
}

// isPrivateIP reports whether ip is in a private or special-use range.
func isPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateV4Blocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	// unique local fc00::/7
	if len(ip) == net.IPv6len && (ip[0]&0xfe) == 0xfc {
		return true
	}
	// deprecated site-local fec0::/10
	if len(ip) == net.IPv6len && ip[0] == 0xfe && (ip[1]&0xc0) == 0xc0 {
		return true
	}
	return false
}

var privateV4Blocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
	{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
