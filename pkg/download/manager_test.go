package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdl/chunkdl/pkg/store"
)

type testStore interface {
	DownloadStore
	ChunkStore
}

func newTestManager(t *testing.T, s testStore, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithLogger(zerolog.Nop()),
		WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
		WithFlushInterval(time.Millisecond),
		WithShutdownTimeout(5 * time.Second),
		WithFreeSpaceCheck(nil),
		WithMultiChunkThreshold(64 * 1024),
	}
	settings := StaticSettings{MaxConcurrent: 2, Threads: 4, Timeout: 2 * time.Second}
	m := NewManager(s, s, settings, append(base, opts...)...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func addDownload(t *testing.T, m *Manager, url string, cb Callback) (int64, string) {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "out", "file.bin")
	id, err := m.Add(context.Background(), &store.Download{URL: url, DownloadPath: dest}, cb)
	require.NoError(t, err)
	return id, dest
}

func requireFile(t *testing.T, path string, expected []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(expected, got), "file contents differ (got %d bytes, want %d)", len(got), len(expected))
}

func getDownload(t *testing.T, m *Manager, id int64) *store.Download {
	t.Helper()
	d, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestManagerAddDefaults(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	id, err := m.Add(context.Background(), &store.Download{URL: "https://example.com/files/model.tar"}, nil)
	require.NoError(t, err)

	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusPending, d.Status)
	assert.Equal(t, int64(-1), d.FileSize)
	assert.Equal(t, "model.tar", d.DownloadPath)
	assert.Equal(t, "model.tar", d.Filename)
	assert.False(t, d.StartTime.IsZero())

	_, err = m.Add(context.Background(), &store.Download{URL: "ftp://example.com/x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestManagerDownloadsInChunks(t *testing.T) {
	for name, s := range map[string]func(t *testing.T) testStore{
		"memory": func(*testing.T) testStore { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) testStore {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "downloads.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			data := randomBytes(t, 1024*1024+17)
			o := &origin{data: data}
			m := newTestManager(t, s(t))
			rec := newRecorder()
			id, dest := addDownload(t, m, o.start(t), rec)

			require.NoError(t, m.Start(context.Background(), id))
			require.Equal(t, "completed", rec.wait(t))

			requireFile(t, dest, data)
			d := getDownload(t, m, id)
			assert.Equal(t, store.StatusCompleted, d.Status)
			assert.Equal(t, int64(len(data)), d.FileSize)
			assert.Equal(t, int64(len(data)), d.DownloadedSize)
			assert.Equal(t, 4, d.ThreadCount)
			assert.False(t, d.EndTime.IsZero())
			assert.False(t, m.IsActive(id))

			chunks, err := m.Chunks(context.Background(), id)
			require.NoError(t, err)
			require.Len(t, chunks, 4)
			for _, c := range chunks {
				assert.True(t, c.Complete())
			}
			assert.Equal(t, int64(len(data)-1), chunks[3].EndByte)
			assert.Equal(t, []string{"start", "completed"}, rec.getEvents())
			assert.Equal(t, float64(100), rec.lastProgress())
		})
	}
}

func TestManagerSingleChunkWithoutRangeSupport(t *testing.T) {
	data := randomBytes(t, 200*1024)
	o := &origin{data: data, noRanges: true}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)

	require.NoError(t, m.Start(context.Background(), id))
	require.Equal(t, "completed", rec.wait(t))

	requireFile(t, dest, data)
	chunks, err := m.Chunks(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, int64(len(data)-1), chunks[0].EndByte)
}

func TestManagerUnknownSize(t *testing.T) {
	data := randomBytes(t, 300*1024)
	o := &origin{data: data, hideLength: true}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)

	require.NoError(t, m.Start(context.Background(), id))
	require.Equal(t, "completed", rec.wait(t))

	requireFile(t, dest, data)
	d := getDownload(t, m, id)
	assert.Equal(t, int64(len(data)), d.FileSize)
	assert.Equal(t, int64(len(data)), d.DownloadedSize)

	chunks, err := m.Chunks(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.False(t, chunks[0].Bounded())
	assert.Equal(t, store.ChunkCompleted, chunks[0].Status)
}

func TestManagerRetriesTransientErrors(t *testing.T) {
	data := randomBytes(t, 512*1024)
	o := &origin{data: data}
	o.failGets.Store(3)
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)

	require.NoError(t, m.Start(context.Background(), id))
	require.Equal(t, "completed", rec.wait(t))
	requireFile(t, dest, data)
}

func TestManagerFailsAfterRetries(t *testing.T) {
	o := &origin{data: randomBytes(t, 1024), status: http.StatusNotFound}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, _ := addDownload(t, m, o.start(t), rec)

	require.NoError(t, m.Start(context.Background(), id))
	require.Equal(t, "failed", rec.wait(t))

	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusFailed, d.Status)
	assert.False(t, d.EndTime.IsZero())
	assert.Equal(t, "Status code 404", rec.failMsg)
}

func TestManagerFailsWhenRangeIgnored(t *testing.T) {
	o := &origin{data: randomBytes(t, 512*1024), ignoreRanges: true}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, _ := addDownload(t, m, o.start(t), rec)

	require.NoError(t, m.Start(context.Background(), id))
	require.Equal(t, "failed", rec.wait(t))
	assert.Contains(t, rec.failMsg, ErrRangeIgnored.Error())
	assert.Equal(t, store.StatusFailed, getDownload(t, m, id).Status)
}

func TestManagerFollowsRedirectWithCookies(t *testing.T) {
	data := randomBytes(t, 256*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		http.Redirect(w, r, "/blob", http.StatusFound)
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, server.URL+"/start", rec)

	require.NoError(t, m.Start(context.Background(), id))
	require.Equal(t, "completed", rec.wait(t))
	requireFile(t, dest, data)
	assert.Equal(t, int64(len(data)), getDownload(t, m, id).FileSize)
}

func TestManagerPauseAndResume(t *testing.T) {
	data := randomBytes(t, 1024*1024)
	o := &origin{data: data, delay: 2 * time.Millisecond}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	rec.waitFirstByte(t)

	require.NoError(t, m.Pause(ctx, id))
	assert.Equal(t, store.StatusPaused, getDownload(t, m, id).Status)
	assert.False(t, m.IsActive(id))
	// pausing twice is a no-op
	require.NoError(t, m.Pause(ctx, id))

	require.NoError(t, m.Resume(ctx, id))
	assert.True(t, m.IsActive(id) || getDownload(t, m, id).Status == store.StatusCompleted)
	require.Equal(t, "completed", rec.wait(t))

	requireFile(t, dest, data)
	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusCompleted, d.Status)
	assert.Equal(t, int64(len(data)), d.DownloadedSize)
	assert.Equal(t, []string{"start", "pause", "resume", "completed"}, rec.getEvents())
}

func TestManagerCancel(t *testing.T) {
	o := &origin{data: randomBytes(t, 1024*1024), delay: 2 * time.Millisecond}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	rec.waitFirstByte(t)
	require.NoError(t, m.Cancel(ctx, id))
	require.Equal(t, "cancelled", rec.wait(t))

	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusCanceled, d.Status)
	assert.False(t, d.EndTime.IsZero())
	assert.NoFileExists(t, dest)
	chunks, err := m.Chunks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// nothing else is reported for a cancelled download
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"start", "cancelled"}, rec.getEvents())
}

// stallingOrigin holds the first HEAD request until release is closed.
func stallingOrigin(t *testing.T, data []byte) (url string, entered <-chan struct{}, release chan struct{}) {
	t.Helper()
	in := make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			once.Do(func() { close(in) })
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv.URL, in, release
}

func startAsync(m *Manager, id int64) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- m.Start(context.Background(), id) }()
	return errs
}

func waitStart(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Start to return")
		return nil
	}
}

func TestManagerCancelWhileStarting(t *testing.T) {
	url, entered, release := stallingOrigin(t, randomBytes(t, 256*1024))
	defer close(release)
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, url, rec)
	ctx := context.Background()

	errs := startAsync(m, id)
	<-entered
	require.NoError(t, m.Cancel(ctx, id))
	require.NoError(t, waitStart(t, errs))

	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusCanceled, d.Status)
	assert.False(t, m.IsActive(id))
	assert.NoFileExists(t, dest)
	chunks, err := m.Chunks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"cancelled"}, rec.getEvents())
}

func TestManagerPauseWhileStarting(t *testing.T) {
	data := randomBytes(t, 256*1024)
	url, entered, release := stallingOrigin(t, data)
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, url, rec)
	ctx := context.Background()

	errs := startAsync(m, id)
	<-entered
	require.NoError(t, m.Pause(ctx, id))
	close(release)
	require.NoError(t, waitStart(t, errs))

	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusPaused, d.Status)
	assert.False(t, m.IsActive(id))
	chunks, err := m.Chunks(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, []string{"pause"}, rec.getEvents())

	// the plan is made on the next start
	require.NoError(t, m.Resume(ctx, id))
	require.Equal(t, "completed", rec.wait(t))
	requireFile(t, dest, data)
	assert.Equal(t, store.StatusCompleted, getDownload(t, m, id).Status)
}

func TestManagerCancelCompletedIsNoop(t *testing.T) {
	data := randomBytes(t, 128*1024)
	o := &origin{data: data}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	require.Equal(t, "completed", rec.wait(t))

	require.NoError(t, m.Cancel(ctx, id))
	d := getDownload(t, m, id)
	assert.Equal(t, store.StatusCompleted, d.Status)
	requireFile(t, dest, data)
	assert.NotContains(t, rec.getEvents(), "cancelled")
}

func TestManagerResumesFromPersistedOffsets(t *testing.T) {
	data := randomBytes(t, 200*1024)
	o := &origin{data: data}
	url := o.start(t)
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// state left behind by an interrupted process
	dest := filepath.Join(t.TempDir(), "file.bin")
	half := int64(len(data) / 2)
	resumeAt := half + 1000
	require.NoError(t, os.WriteFile(dest, data[:resumeAt], 0644))
	id, err := s.Insert(ctx, &store.Download{
		URL:          url,
		DownloadPath: dest,
		Filename:     "file.bin",
		Status:       store.StatusDownloading,
		FileSize:     int64(len(data)),
		ThreadCount:  2,
		StartTime:    time.Now(),
	})
	require.NoError(t, err)
	first := store.NewChunk(id, 0, half-1)
	first.CurrentOffset = half
	first.Status = store.ChunkCompleted
	second := store.NewChunk(id, half, int64(len(data))-1)
	second.CurrentOffset = resumeAt
	second.Status = store.ChunkDownloading
	require.NoError(t, s.CreateChunks(ctx, []*store.Chunk{first, second}))

	m := newTestManager(t, s)
	rec := newRecorder()
	m.RegisterCallback(id, rec)
	require.NoError(t, m.Start(ctx, id))
	require.Equal(t, "completed", rec.wait(t))

	requireFile(t, dest, data)
	assert.Equal(t, []string{fmt.Sprintf("bytes=%d-%d", resumeAt, len(data)-1)}, o.getRanges())
	assert.Equal(t, []string{"resume", "completed"}, rec.getEvents())
}

func TestManagerReconcilesWithoutWorkers(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T, writeFile bool) (*Manager, *recorder, int64) {
		s := store.NewMemoryStore()
		dest := filepath.Join(t.TempDir(), "file.bin")
		if writeFile {
			require.NoError(t, os.WriteFile(dest, make([]byte, 100), 0644))
		}
		id, err := s.Insert(ctx, &store.Download{
			URL:          "http://127.0.0.1:1/file.bin",
			DownloadPath: dest,
			Status:       store.StatusPaused,
			FileSize:     100,
		})
		require.NoError(t, err)
		c := store.NewChunk(id, 0, 99)
		c.CurrentOffset = 100
		c.Status = store.ChunkCompleted
		require.NoError(t, s.CreateChunks(ctx, []*store.Chunk{c}))

		m := newTestManager(t, s)
		rec := newRecorder()
		m.RegisterCallback(id, rec)
		return m, rec, id
	}

	t.Run("file present", func(t *testing.T) {
		m, rec, id := setup(t, true)
		require.NoError(t, m.Start(ctx, id))
		require.Equal(t, "completed", rec.wait(t))
		assert.Equal(t, int64(100), getDownload(t, m, id).DownloadedSize)
	})

	t.Run("file missing", func(t *testing.T) {
		m, rec, id := setup(t, false)
		require.NoError(t, m.Start(ctx, id))
		require.Equal(t, "failed", rec.wait(t))
		assert.Equal(t, ErrSizeMismatch.Error(), rec.failMsg)
		assert.Equal(t, store.StatusFailed, getDownload(t, m, id).Status)
	})
}

func TestManagerInsufficientSpace(t *testing.T) {
	o := &origin{data: randomBytes(t, 4096)}
	m := newTestManager(t, store.NewMemoryStore(),
		WithFreeSpaceCheck(func(string) (uint64, error) { return 10, nil }))
	rec := newRecorder()
	id, _ := addDownload(t, m, o.start(t), rec)

	err := m.Start(context.Background(), id)
	require.ErrorIs(t, err, ErrInsufficientSpace)
	require.Equal(t, "failed", rec.wait(t))
	assert.Equal(t, store.StatusFailed, getDownload(t, m, id).Status)
	assert.False(t, m.IsActive(id))
}

func TestManagerStartUnknownDownload(t *testing.T) {
	m := newTestManager(t, store.NewMemoryStore())
	err := m.Start(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.IsActive(42))
}

func TestManagerRemove(t *testing.T) {
	data := randomBytes(t, 64*1024)
	o := &origin{data: data}
	m := newTestManager(t, store.NewMemoryStore())
	rec := newRecorder()
	id, dest := addDownload(t, m, o.start(t), rec)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	require.Equal(t, "completed", rec.wait(t))

	deleted, err := m.Remove(ctx, id)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.FileExists(t, dest)

	deleted, err = m.Remove(ctx, id)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestManagerRemoveAll(t *testing.T) {
	o := &origin{data: randomBytes(t, 1024*1024), delay: 2 * time.Millisecond}
	url := o.start(t)
	m := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()

	rec := newRecorder()
	running, _ := addDownload(t, m, url, rec)
	_, _ = addDownload(t, m, url, nil)
	require.NoError(t, m.Start(ctx, running))
	rec.waitFirstByte(t)

	require.NoError(t, m.RemoveAll(ctx))
	all, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, m.IsActive(running))
}

func TestManagerShutdownPausesRunningDownloads(t *testing.T) {
	o := &origin{data: randomBytes(t, 1024*1024), delay: 5 * time.Millisecond}
	m := newTestManager(t, store.NewMemoryStore(), WithShutdownTimeout(50*time.Millisecond))
	rec := newRecorder()
	id, _ := addDownload(t, m, o.start(t), rec)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, id))
	rec.waitFirstByte(t)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, store.StatusPaused, getDownload(t, m, id).Status)
	assert.False(t, m.IsActive(id))
	assert.Contains(t, rec.getEvents(), "pause")
	assert.NotContains(t, rec.getEvents(), "failed")

	assert.ErrorIs(t, m.Start(ctx, id), ErrShutdown)
	require.NoError(t, m.Shutdown(ctx))
}

func TestValidateURL(t *testing.T) {
	testCases := []struct {
		url   string
		valid bool
	}{
		{"https://example.com/a.bin", true},
		{"http://127.0.0.1:8080/x", true},
		{"ftp://example.com/a.bin", false},
		{"example.com/a.bin", false},
		{"http://", false},
		{"://bad", false},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			err := ValidateURL(tc.url)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidURL)
			}
		})
	}
}

func TestFilenameFromURL(t *testing.T) {
	testCases := []struct {
		url      string
		expected string
	}{
		{"https://example.com/files/weights.safetensors", "weights.safetensors"},
		{"https://example.com/files/archive.tar?sig=abc", "archive.tar"},
		{"https://example.com/", "download"},
		{"https://example.com", "download"},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.expected, FilenameFromURL(tc.url))
		})
	}
}
