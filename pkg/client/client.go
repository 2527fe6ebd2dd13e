package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/logging"
	"github.com/chunkdl/chunkdl/pkg/version"
)

const (
	retryMinWait     = 100 * time.Millisecond
	retryMaxWait     = 3000 * time.Millisecond // do not backoff further than 3 seconds
	retrySleepJitter = 500                     // (will add 0-500 additional milliseconds), multiplied by time.Millisecond in backoffFunc

	// MaxRedirectRequests bounds a redirect chain, counting the first request.
	MaxRedirectRequests = 5
)

type Options struct {
	ConnectTimeout time.Duration
	// MaxRetries is the number of transport level retries for 5xx/429 and
	// connection errors. Chunk workers run their own retry loop and use 0.
	MaxRetries     int
	MaxConnPerHost int
	ForceHTTP2     bool
	// ResolveOverrides maps host:port to ip:port, see --resolve.
	ResolveOverrides map[string]string
	// Transport replaces the network transport, used by tests.
	Transport http.RoundTripper
}

// Client issues requests and walks redirect chains manually so cookies set
// on intermediate hops reach the final target.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

type UserAgentTransport struct {
	Transport http.RoundTripper
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", version.UserAgent())
	return t.Transport.RoundTrip(req)
}

func New(opts Options) *Client {
	logger := logging.GetComponentLogger("client")

	base := opts.Transport
	if base == nil {
		base = newTransport(opts, logger)
	}

	retryClient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     &UserAgentTransport{Transport: base},
			CheckRedirect: noFollow,
		},
		Logger:       nil,
		RetryWaitMin: retryMinWait,
		RetryWaitMax: retryMaxWait,
		RetryMax:     opts.MaxRetries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      backoffFunc,
		// hand the last response back instead of an opaque "giving up" error
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	httpClient := retryClient.StandardClient()
	httpClient.CheckRedirect = noFollow
	return &Client{http: httpClient, logger: logger}
}

func newTransport(opts Options, logger zerolog.Logger) *http.Transport {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: transportDialContext(&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}, opts.ResolveOverrides, logger),
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		// identity encoding keeps Content-Length equal to the bytes on disk
		DisableCompression: true,
	}
	if opts.MaxConnPerHost > 0 {
		transport.MaxConnsPerHost = opts.MaxConnPerHost
	}
	if opts.ForceHTTP2 {
		transport.ForceAttemptHTTP2 = true
	} else {
		// one TCP connection per chunk; HTTP/2 would multiplex every range onto one
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}
	return transport
}

// Open sends method to rawURL, following up to MaxRedirectRequests-1
// redirects by hand. Set-Cookie headers seen anywhere on the chain are sent on
// every following hop. 302 and 303 turn non-GET/HEAD requests into GET. The
// caller owns the returned body.
func (c *Client) Open(ctx context.Context, method, rawURL, rangeHeader string) (*http.Response, error) {
	current, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	jar := newChainCookies()

	for i := 0; i < MaxRedirectRequests; i++ {
		req, err := http.NewRequestWithContext(ctx, method, current.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Encoding", "identity")
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		jar.apply(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		jar.collect(resp)
		location := resp.Header.Get("Location")
		drain(resp)
		if location == "" {
			return nil, fmt.Errorf("%w: %s %s", ErrMissingLocation, method, current)
		}
		next, err := current.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("%w: bad location %q: %v", ErrMissingLocation, location, err)
		}
		c.logger.Trace().
			Str("redirect_url", next.String()).
			Str("url", current.String()).
			Int("status", resp.StatusCode).
			Msg("Redirect")

		if (resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther) &&
			method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
		}
		current = next
	}
	return nil, fmt.Errorf("%w: %s", ErrTooManyRedirects, rawURL)
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func noFollow(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// backoffFunc is a wrapper around retryablehttp.DefaultBackoff that adds a random jitter so that many chunk
// connections retrying at once do not hit the origin in lockstep.
func backoffFunc(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	sleep := time.Duration(rand.Intn(retrySleepJitter)) * time.Millisecond
	sleep += retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
	return sleep
}

// transportDialContext is a wrapper around net.Dialer that allows for overriding DNS lookups via the values passed to
// `--resolve` argument.
func transportDialContext(dialer *net.Dialer, overrides map[string]string, logger zerolog.Logger) func(context.Context, string, string) (net.Conn, error) {
	// Allow for overriding DNS lookups in the dialer without impacting Host and SSL resolution
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addrOverride := overrides[addr]; addrOverride != "" {
			logger.Debug().Str("addr", addr).Str("override", addrOverride).Msg("DNS Override")
			addr = addrOverride
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
