package download

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/chunkdl/chunkdl/pkg/client"
	"github.com/chunkdl/chunkdl/pkg/logging"
	"github.com/chunkdl/chunkdl/pkg/probe"
)

const (
	DefaultMaxConcurrentDownloads = 3
	DefaultThreadsPerDownload     = 16
	DefaultConnectionTimeout      = 10 * time.Second
	DefaultMultiChunkThreshold    = 2 * humanize.MiByte
	DefaultFlushInterval          = 150 * time.Millisecond
	DefaultShutdownTimeout        = 60 * time.Second

	readBufferSize    = 8 * humanize.KiByte
	saveInterval      = 64 * humanize.KiByte
	maxChunkRetries   = 5
	retryBackoffBase  = time.Second
	retryBackoffLimit = 5 * time.Second

	// the pool always has room for at least this many workers per download
	minPoolThreadsPerDownload = 16
)

// Opener issues a single logical request, following redirects.
type Opener = probe.Opener

// Settings is the user-tunable part of the engine, read once when the
// Manager is built.
type Settings interface {
	MaxConcurrentDownloads() int
	ThreadsPerDownload() int
	ConnectionTimeout() time.Duration
}

// StaticSettings is a fixed Settings value.
type StaticSettings struct {
	MaxConcurrent int
	Threads       int
	Timeout       time.Duration
}

func (s StaticSettings) MaxConcurrentDownloads() int {
	if s.MaxConcurrent <= 0 {
		return DefaultMaxConcurrentDownloads
	}
	return s.MaxConcurrent
}

func (s StaticSettings) ThreadsPerDownload() int {
	if s.Threads <= 0 {
		return DefaultThreadsPerDownload
	}
	return s.Threads
}

func (s StaticSettings) ConnectionTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultConnectionTimeout
	}
	return s.Timeout
}

type options struct {
	logger              zerolog.Logger
	client              client.Options
	opener              Opener
	multiChunkThreshold int64
	flushInterval       time.Duration
	shutdownTimeout     time.Duration
	backoffBase         time.Duration
	backoffLimit        time.Duration
	now                 func() time.Time
	freeSpace           FreeSpaceFunc
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClientOptions configures the HTTP client used for probing and chunk
// fetches. ConnectTimeout defaults to Settings.ConnectionTimeout.
func WithClientOptions(c client.Options) Option {
	return func(o *options) { o.client = c }
}

// WithOpener replaces the HTTP client entirely.
func WithOpener(op Opener) Option {
	return func(o *options) { o.opener = op }
}

func WithMultiChunkThreshold(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.multiChunkThreshold = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithRetryBackoff sets the linear chunk retry backoff: attempt n sleeps
// min(base*n, limit).
func WithRetryBackoff(base, limit time.Duration) Option {
	return func(o *options) {
		o.backoffBase = base
		o.backoffLimit = limit
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFreeSpaceCheck overrides the free space lookup; nil disables the check.
func WithFreeSpaceCheck(fn FreeSpaceFunc) Option {
	return func(o *options) { o.freeSpace = fn }
}

func defaultOptions(settings Settings) options {
	return options{
		logger:              logging.GetComponentLogger("download"),
		client:              client.Options{ConnectTimeout: settings.ConnectionTimeout()},
		multiChunkThreshold: DefaultMultiChunkThreshold,
		flushInterval:       DefaultFlushInterval,
		shutdownTimeout:     DefaultShutdownTimeout,
		backoffBase:         retryBackoffBase,
		backoffLimit:        retryBackoffLimit,
		now:                 time.Now,
		freeSpace:           DiskFreeSpace,
	}
}
