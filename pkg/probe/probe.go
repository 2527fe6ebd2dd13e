// Package probe discovers the size of a remote resource and whether its
// origin honours byte-range requests. Probing never fails hard: an origin
// that cannot be probed is treated as unknown size, no range support.
package probe

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/client"
	"github.com/chunkdl/chunkdl/pkg/logging"
)

const firstByteRange = "bytes=0-0"

var contentRangeRegexp = regexp.MustCompile(`^bytes .*/([0-9]+)$`)

type Result struct {
	Size            int64
	RangesSupported bool
}

// Opener is satisfied by *client.Client.
type Opener interface {
	Open(ctx context.Context, method, rawURL, rangeHeader string) (*http.Response, error)
}

type Prober struct {
	client Opener
	logger zerolog.Logger
}

func New(c Opener) *Prober {
	return &Prober{client: c, logger: logging.GetComponentLogger("probe")}
}

func (p *Prober) Probe(ctx context.Context, url string) Result {
	size, _ := p.GetSize(ctx, url)
	return Result{Size: size, RangesSupported: p.SupportsRanges(ctx, url)}
}

// GetSize returns the resource length, or (-1, false) when neither a HEAD nor
// a single byte ranged GET reveals it.
func (p *Prober) GetSize(ctx context.Context, url string) (int64, bool) {
	if resp, err := p.client.Open(ctx, http.MethodHead, url, ""); err != nil {
		p.logger.Debug().Err(err).Str("url", url).Msg("HEAD probe failed")
	} else {
		resp.Body.Close()
		if isSuccess(resp.StatusCode) && resp.ContentLength > 0 {
			return resp.ContentLength, true
		}
	}

	resp, err := p.client.Open(ctx, http.MethodGet, url, firstByteRange)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", url).Msg("Range probe failed")
		return -1, false
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := ParseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, true
		}
	case http.StatusOK:
		if resp.ContentLength > 0 {
			return resp.ContentLength, true
		}
	}
	return -1, false
}

// SupportsRanges reports whether the origin will serve partial content.
func (p *Prober) SupportsRanges(ctx context.Context, url string) bool {
	if resp, err := p.client.Open(ctx, http.MethodHead, url, ""); err != nil {
		p.logger.Debug().Err(err).Str("url", url).Msg("HEAD probe failed")
	} else {
		resp.Body.Close()
		if isSuccess(resp.StatusCode) && acceptsBytes(resp.Header) {
			return true
		}
	}

	resp, err := p.client.Open(ctx, http.MethodGet, url, firstByteRange)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", url).Msg("Range probe failed")
		return false
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusPartialContent {
		return true
	}
	return acceptsBytes(resp.Header) || resp.Header.Get("Content-Range") != ""
}

// ParseContentRangeTotal extracts the complete length from a
// "bytes <start>-<end>/<total>" header.
func ParseContentRangeTotal(header string) (int64, bool) {
	groups := contentRangeRegexp.FindStringSubmatch(header)
	if groups == nil {
		return -1, false
	}
	total, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil || total <= 0 {
		return -1, false
	}
	return total, true
}

func acceptsBytes(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Accept-Ranges")), "bytes")
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

var _ Opener = (*client.Client)(nil)
