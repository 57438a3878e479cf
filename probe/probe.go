// Package probe performs a lightweight HTTP preflight against the
// target before the browser launches. It exists purely for diagnostics:
// a connection refused here tells the triage reader the host is down,
// while a 403 with challenge markers points at the bot protection. The
// browser check is always authoritative; the probe never gates it.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tls2 "github.com/refraction-networking/utls"
	"golang.org/x/net/html"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

const bodyCap = 1 * 1024 * 1024 // enough for any interstitial

// Result summarizes one preflight request.
type Result struct {
	StatusCode    int
	Title         string
	ChallengeHint bool
	Elapsed       time.Duration
}

// Summary renders the result as a one-line string for logs and
// notification messages.
func (r Result) Summary() string {
	s := fmt.Sprintf("HTTP %d in %s", r.StatusCode, r.Elapsed.Round(time.Millisecond))
	if r.Title != "" {
		s += fmt.Sprintf(" (%q)", r.Title)
	}
	if r.ChallengeHint {
		s += " [challenge hint]"
	}
	return s
}

// Prober fetches the target with a Chrome TLS fingerprint so the
// preflight sees the same edge behavior the browser will.
type Prober struct {
	proxy  string
	client *http.Client
}

// New creates a Prober. proxy may be empty.
func New(proxy string) *Prober {
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSChrome(ctx, network, addr, proxy)
		},
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil &&
			(proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &Prober{
		proxy:  proxy,
		client: &http.Client{Transport: transport, Timeout: 15 * time.Second},
	}
}

// Fetch issues one GET against targetURL. Any HTTP status is a valid
// probe result; only transport-level failures return an error.
func (p *Prober) Fetch(ctx context.Context, targetURL string) (Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("probe: build request: %w", err)
	}
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyCap))
	if err != nil {
		// A truncated body still yields a usable status line.
		body = nil
	}

	return Result{
		StatusCode:    resp.StatusCode,
		Title:         extractTitle(body),
		ChallengeHint: hintsChallenge(resp, body),
		Elapsed:       time.Since(start),
	}, nil
}

// hintsChallenge looks for Cloudflare interstitial fingerprints in the
// raw response: the cf-mitigated header, the challenge status pair
// 403/503, or known phrases in the body.
func hintsChallenge(resp *http.Response, body []byte) bool {
	if resp.Header.Get("cf-mitigated") == "challenge" {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, pattern := range []string{
		"just a moment",
		"checking your browser",
		"challenge-platform",
		"cf-chl",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	server := strings.ToLower(resp.Header.Get("Server"))
	return (resp.StatusCode == 403 || resp.StatusCode == 503) &&
		strings.Contains(server, "cloudflare")
}

// dialTLSChrome establishes a TLS connection using a Chrome fingerprint
// via utls.
func dialTLSChrome(ctx context.Context, network, addr, proxy string) (net.Conn, error) {
	var rawConn net.Conn
	var err error

	dialer := &net.Dialer{}

	if proxy != "" {
		proxyURL, parseErr := url.Parse(proxy)
		if parseErr == nil && (proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h") {
			socksConn, socksErr := dialer.DialContext(ctx, "tcp", proxyURL.Host)
			if socksErr != nil {
				return nil, fmt.Errorf("socks5 dial: %w", socksErr)
			}
			rawConn = socksConn
		}
	}

	if rawConn == nil {
		rawConn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls2.UClient(rawConn, &tls2.Config{
		ServerName: host,
	}, tls2.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// extractTitle extracts the <title> content from raw HTML bytes.
func extractTitle(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				if tokenizer.Next() == html.TextToken {
					return strings.TrimSpace(string(tokenizer.Text()))
				}
				return ""
			}
		}
	}
}
