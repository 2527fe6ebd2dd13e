package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/optname"
)

func TestSetLogLevel(t *testing.T) {
	testCases := []struct {
		name     string
		logLevel string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"error", "error"},
		{"unknown", "info"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setLogLevel(tc.name)
			assert.Equal(t, tc.logLevel, zerolog.GlobalLevel().String())
		})
	}
}

func TestResolveOverrides(t *testing.T) {
	testCases := []struct {
		name     string
		resolve  []string
		expected map[string]string
		err      bool
	}{
		{"empty", []string{}, nil, false},
		{"single", []string{"example.com:80:127.0.0.1"}, map[string]string{"example.com:80": "127.0.0.1:80"}, false},
		{"multiple", []string{"example.com:80:127.0.0.1", "example.com:443:127.0.0.1"}, map[string]string{"example.com:80": "127.0.0.1:80", "example.com:443": "127.0.0.1:443"}, false},
		{"ipv6 target", []string{"example.com:443:::1"}, map[string]string{"example.com:443": "[::1]:443"}, false},
		{"invalid ip", []string{"example.com:80:InvalidIPAddr"}, nil, true},
		{"duplicate host different target", []string{"example.com:80:127.0.0.1", "example.com:80:127.0.0.2"}, nil, true},
		{"duplicate host same target", []string{"example.com:80:127.0.0.1", "example.com:80:127.0.0.1"}, map[string]string{"example.com:80": "127.0.0.1:80"}, false},
		{"invalid format", []string{"example.com:80"}, nil, true},
		{"invalid hostname format, is IP Addr", []string{"127.0.0.1:443:127.0.0.2"}, nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resolveOverrides, err := ResolveOverridesToMap(tc.resolve)
			assert.Equal(t, tc.err, err != nil)
			assert.Equal(t, tc.expected, resolveOverrides)
		})
	}
}

func TestSettings(t *testing.T) {
	defer viper.Reset()
	testCases := []struct {
		name       string
		concurrent int
		threads    int
		timeout    time.Duration
		expected   download.StaticSettings
	}{
		{"unset uses defaults", 0, 0, 0, download.StaticSettings{
			MaxConcurrent: download.DefaultMaxConcurrentDownloads,
			Threads:       download.DefaultThreadsPerDownload,
			Timeout:       download.DefaultConnectionTimeout,
		}},
		{"explicit", 5, 8, 3 * time.Second, download.StaticSettings{MaxConcurrent: 5, Threads: 8, Timeout: 3 * time.Second}},
		{"negative uses defaults", -1, -4, -time.Second, download.StaticSettings{
			MaxConcurrent: download.DefaultMaxConcurrentDownloads,
			Threads:       download.DefaultThreadsPerDownload,
			Timeout:       download.DefaultConnectionTimeout,
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			viper.Set(optname.MaxConcurrentDownloads, tc.concurrent)
			viper.Set(optname.Threads, tc.threads)
			viper.Set(optname.ConnTimeout, tc.timeout)
			s := Settings{}
			assert.Equal(t, tc.expected.MaxConcurrent, s.MaxConcurrentDownloads())
			assert.Equal(t, tc.expected.Threads, s.ThreadsPerDownload())
			assert.Equal(t, tc.expected.Timeout, s.ConnectionTimeout())
			viper.Reset()
		})
	}
}

func TestClientOptions(t *testing.T) {
	defer viper.Reset()
	viper.Set(optname.ConnTimeout, 7*time.Second)
	viper.Set(optname.Retries, 4)
	viper.Set(optname.MaxConnPerHost, 12)
	viper.Set(optname.ForceHTTP2, true)
	viper.Set(optname.Resolve, []string{"example.com:443:10.0.0.1"})

	opts, err := ClientOptions()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 4, opts.MaxRetries)
	assert.Equal(t, 12, opts.MaxConnPerHost)
	assert.True(t, opts.ForceHTTP2)
	assert.Equal(t, map[string]string{"example.com:443": "10.0.0.1:443"}, opts.ResolveOverrides)

	viper.Set(optname.Resolve, []string{"bad"})
	_, err = ClientOptions()
	assert.Error(t, err)
}

func TestManagerOptions(t *testing.T) {
	defer viper.Reset()
	testCases := []struct {
		name      string
		threshold string
		err       bool
	}{
		{"unset", "", false},
		{"iec", "2MiB", false},
		{"si", "10M", false},
		{"plain bytes", "1048576", false},
		{"invalid", "lots", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			viper.Set(optname.MultiChunkThreshold, tc.threshold)
			opts, err := ManagerOptions()
			assert.Equal(t, tc.err, err != nil)
			if !tc.err {
				assert.NotEmpty(t, opts)
			}
			viper.Reset()
		})
	}
}

func TestDBPath(t *testing.T) {
	defer viper.Reset()
	viper.Set(optname.DBPath, "/tmp/custom.db")
	path, err := DBPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", path)
	assert.Equal(t, "/tmp/custom.db.pid", PIDFilePath(path))

	viper.Set(optname.PIDFile, "/run/chunkdl.pid")
	assert.Equal(t, "/run/chunkdl.pid", PIDFilePath(path))

	viper.Reset()
	t.Setenv("XDG_CONFIG_HOME", "/home/someone/.config")
	path, err = DBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("chunkdl", DefaultDB), filepath.Join(filepath.Base(filepath.Dir(path)), filepath.Base(path)))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHUNKDL_THREADS=6\nCHUNKDL_LOG_LEVEL=warn\n"), 0644))
	t.Setenv("CHUNKDL_LOG_LEVEL", "error")
	t.Cleanup(func() { _ = os.Unsetenv("CHUNKDL_THREADS") })

	require.NoError(t, LoadDotEnv(envFile))
	assert.Equal(t, "6", os.Getenv("CHUNKDL_THREADS"))
	// variables already in the environment win
	assert.Equal(t, "error", os.Getenv("CHUNKDL_LOG_LEVEL"))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
