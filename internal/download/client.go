package download

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/Gammanik/netdisk/internal/model"
)

// HTTPClient issues the request of a download task, optionally through
// an HTTP or SOCKS5 proxy.
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// NewHTTPClient creates a client. timeout bounds connecting and waiting
// for response headers; the body transfer itself is not limited.
func NewHTTPClient(p *model.ProxyInfo, timeout time.Duration, userAgent string) (*HTTPClient, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
		IdleConnTimeout:       90 * time.Second,
	}

	if p != nil {
		addr := net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
		switch p.Type {
		case model.ProxyHTTP:
			transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: addr})
		case model.ProxySOCKS:
			socks, err := proxy.SOCKS5("tcp", addr, nil, dialer)
			if err != nil {
				return nil, fmt.Errorf("socks proxy %s: %w", p.Name, err)
			}
			cd, ok := socks.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks proxy %s: dialer does not support contexts", p.Name)
			}
			transport.DialContext = cd.DialContext
		default:
			return nil, fmt.Errorf("%w: proxy %s has unknown type %q", ErrInvalidRequest, p.Name, p.Type)
		}
	}

	return &HTTPClient{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
	}, nil
}

// Do sends the request. Non-2xx responses are returned as ErrTransport
// with the body closed.
func (c *HTTPClient) Do(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s: %d - %s", ErrTransport, method, rawURL, resp.StatusCode, string(body))
	}
	return resp, nil
}
