package download

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// origin is a configurable file server standing in for a remote host.
type origin struct {
	data []byte

	// delay is slept before every 8 KiB written.
	delay time.Duration
	// noRanges ignores Range and never advertises range support.
	noRanges bool
	// ignoreRanges advertises range support but answers every GET with 200.
	ignoreRanges bool
	// hideLength streams GET bodies chunked and answers HEAD without a length.
	hideLength bool
	// failGets answers this many GET requests with 503 before serving.
	failGets atomic.Int32
	// status, when set, answers every GET with it.
	status int

	mu       sync.Mutex
	ranges   []string
	requests int
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests++
	if r.Method == http.MethodGet {
		o.ranges = append(o.ranges, r.Header.Get("Range"))
	}
	o.mu.Unlock()

	if r.Method == http.MethodGet {
		if o.failGets.Load() > 0 {
			o.failGets.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if o.status != 0 {
			w.WriteHeader(o.status)
			return
		}
	}

	out := &slowWriter{ResponseWriter: w, delay: o.delay}
	switch {
	case o.hideLength:
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = out.Write(o.data)
	case o.noRanges || o.ignoreRanges:
		w.Header().Set("Content-Length", fmt.Sprint(len(o.data)))
		if o.ignoreRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = out.Write(o.data)
		}
	default:
		http.ServeContent(out, r, "file.bin", time.Time{}, bytes.NewReader(o.data))
	}
}

func (o *origin) getRanges() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ranges...)
}

func (o *origin) requestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests
}

func (o *origin) start(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(o)
	t.Cleanup(server.Close)
	return server.URL + "/file.bin"
}

// slowWriter writes in 8 KiB pieces, flushing each so the client sees a
// steady trickle.
type slowWriter struct {
	http.ResponseWriter
	delay time.Duration
}

func (s *slowWriter) Write(p []byte) (int, error) {
	var n int
	for len(p) > 0 {
		piece := p[:min(len(p), 8192)]
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		m, err := s.ResponseWriter.Write(piece)
		n += m
		if err != nil {
			return n, err
		}
		if f, ok := s.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		p = p[m:]
	}
	return n, nil
}

// recorder captures callback notifications.
type recorder struct {
	mu       sync.Mutex
	events   []string
	progress []float64
	failMsg  string

	terminal  chan string
	firstByte chan struct{}
	once      sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		terminal:  make(chan string, 8),
		firstByte: make(chan struct{}),
	}
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) OnStart(int64)  { r.add("start") }
func (r *recorder) OnPause(int64)  { r.add("pause") }
func (r *recorder) OnResume(int64) { r.add("resume") }

func (r *recorder) OnProgress(_ int64, downloaded, _ int64, percent float64) {
	r.mu.Lock()
	r.progress = append(r.progress, percent)
	r.mu.Unlock()
	if downloaded > 0 {
		r.once.Do(func() { close(r.firstByte) })
	}
}

func (r *recorder) OnCompleted(int64) {
	r.add("completed")
	r.terminal <- "completed"
}

func (r *recorder) OnFailed(_ int64, msg string) {
	r.mu.Lock()
	r.failMsg = msg
	r.mu.Unlock()
	r.add("failed")
	r.terminal <- "failed"
}

func (r *recorder) OnCancelled(int64) {
	r.add("cancelled")
	r.terminal <- "cancelled"
}

func (r *recorder) getEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) lastProgress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return -1
	}
	return r.progress[len(r.progress)-1]
}

func (r *recorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case ev := <-r.terminal:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for download to finish")
		return ""
	}
}

func (r *recorder) waitFirstByte(t *testing.T) {
	t.Helper()
	select {
	case <-r.firstByte:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for progress")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
