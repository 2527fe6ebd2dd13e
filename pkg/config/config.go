package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chunkdl/chunkdl/pkg/client"
	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/logging"
	"github.com/chunkdl/chunkdl/pkg/optname"
)

const (
	EnvPrefix      = "CHUNKDL"
	DotEnvFile     = ".env"
	DefaultDB      = "chunkdl.db"
	defaultRetries = 2
)

func AddRootPersistentFlags(cmd *cobra.Command) error {
	// Persistent Flags (applies to all commands/subcommands)
	cmd.PersistentFlags().Int(optname.MaxConcurrentDownloads, download.DefaultMaxConcurrentDownloads, "Maximum number of downloads running at once")
	cmd.PersistentFlags().IntP(optname.Threads, "c", download.DefaultThreadsPerDownload, "Number of chunks (and connections) per download")
	cmd.PersistentFlags().Duration(optname.ConnTimeout, download.DefaultConnectionTimeout, "Timeout for establishing a connection and receiving response headers, format is <number><unit>, e.g. 10s")
	cmd.PersistentFlags().IntP(optname.Retries, "r", defaultRetries, "Number of retries when probing a URL")
	cmd.PersistentFlags().String(optname.MultiChunkThreshold, "2MiB", "Files smaller than this are downloaded over a single connection (e.g. 10M)")
	cmd.PersistentFlags().Duration(optname.FlushInterval, download.DefaultFlushInterval, "How often download progress is written to the database")
	cmd.PersistentFlags().Duration(optname.ShutdownTimeout, download.DefaultShutdownTimeout, "How long running chunks may take to finish on shutdown")
	cmd.PersistentFlags().String(optname.DBPath, "", "Path of the download database (default <user config dir>/chunkdl/chunkdl.db)")
	cmd.PersistentFlags().String(optname.PIDFile, "", "Lock file serializing processes that share a database (default <db>.pid)")
	cmd.PersistentFlags().BoolP(optname.Force, "f", false, "Force download, overwriting existing file")
	cmd.PersistentFlags().StringSlice(optname.Resolve, []string{}, "Resolve hostnames to specific IPs, format is <hostname>:<port>:<ip>")
	cmd.PersistentFlags().Int(optname.MaxConnPerHost, 0, "Maximum number of connections per host (0 is unlimited)")
	cmd.PersistentFlags().BoolP(optname.Verbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().String(optname.LoggingLevel, "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool(optname.ForceHTTP2, false, "Force HTTP/2")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}

	// Hide flags from help, these are intended to be used for testing/debugging only
	for _, flag := range []string{optname.ForceHTTP2, optname.FlushInterval} {
		if err := cmd.PersistentFlags().MarkHidden(flag); err != nil {
			return fmt.Errorf("failed to hide flag %s: %w", flag, err)
		}
	}
	return nil
}

func PersistentStartupProcessFlags() error {
	if err := LoadDotEnv(DotEnvFile); err != nil {
		return err
	}
	if viper.GetBool(optname.Verbose) {
		viper.Set(optname.LoggingLevel, "debug")
	}
	setLogLevel(viper.GetString(optname.LoggingLevel))

	overrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return err
	}
	logger := logging.GetLogger()
	for key, elem := range overrides {
		logger.Debug().Str("host_port", key).Str("resolve_target", elem).Msg("Config")
	}
	return nil
}

// LoadDotEnv exports the variables in path unless they are already set. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func setLogLevel(logLevel string) {
	// Set log-level
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// ResolveOverridesToMap turns --resolve entries (<hostname>:<port>:<ip>) into
// a host:port -> ip:port map.
func ResolveOverridesToMap(resolveHosts []string) (map[string]string, error) {
	if len(resolveHosts) == 0 {
		return nil, nil
	}
	overrides := make(map[string]string, len(resolveHosts))
	for _, resolveHost := range resolveHosts {
		split := strings.SplitN(resolveHost, ":", 3)
		if len(split) != 3 {
			return nil, fmt.Errorf("invalid resolve host format, expected <hostname>:port:<ip>, got: %s", resolveHost)
		}
		host, port, addr := split[0], split[1], split[2]
		if net.ParseIP(host) != nil {
			return nil, fmt.Errorf("invalid hostname specified, looks like an IP address: %s", host)
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid IP address: %s", addr)
		}
		hostPort := net.JoinHostPort(host, port)
		target := net.JoinHostPort(addr, port)
		if existing, ok := overrides[hostPort]; ok && existing != target {
			return nil, fmt.Errorf("duplicate host:port specified: %s", hostPort)
		}
		overrides[hostPort] = target
	}
	return overrides, nil
}

// Settings reads the engine settings from viper. Unset or invalid values fall
// back to the download package defaults.
type Settings struct{}

var _ download.Settings = Settings{}

func (Settings) static() download.StaticSettings {
	return download.StaticSettings{
		MaxConcurrent: viper.GetInt(optname.MaxConcurrentDownloads),
		Threads:       viper.GetInt(optname.Threads),
		Timeout:       viper.GetDuration(optname.ConnTimeout),
	}
}

func (s Settings) MaxConcurrentDownloads() int {
	return s.static().MaxConcurrentDownloads()
}

func (s Settings) ThreadsPerDownload() int {
	return s.static().ThreadsPerDownload()
}

func (s Settings) ConnectionTimeout() time.Duration {
	return s.static().ConnectionTimeout()
}

func ClientOptions() (client.Options, error) {
	overrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return client.Options{}, err
	}
	return client.Options{
		ConnectTimeout:   Settings{}.ConnectionTimeout(),
		MaxRetries:       viper.GetInt(optname.Retries),
		MaxConnPerHost:   viper.GetInt(optname.MaxConnPerHost),
		ForceHTTP2:       viper.GetBool(optname.ForceHTTP2),
		ResolveOverrides: overrides,
	}, nil
}

// ManagerOptions translates the remaining flags into download.Manager options.
func ManagerOptions() ([]download.Option, error) {
	clientOpts, err := ClientOptions()
	if err != nil {
		return nil, err
	}
	opts := []download.Option{
		download.WithClientOptions(clientOpts),
		download.WithFlushInterval(viper.GetDuration(optname.FlushInterval)),
		download.WithShutdownTimeout(viper.GetDuration(optname.ShutdownTimeout)),
	}
	if raw := viper.GetString(optname.MultiChunkThreshold); raw != "" {
		threshold, err := humanize.ParseBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", optname.MultiChunkThreshold, raw, err)
		}
		opts = append(opts, download.WithMultiChunkThreshold(int64(threshold)))
	}
	return opts, nil
}

// DBPath is --db, or chunkdl.db under the user config directory.
func DBPath() (string, error) {
	if path := viper.GetString(optname.DBPath); path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory, pass --%s: %w", optname.DBPath, err)
	}
	return filepath.Join(dir, "chunkdl", DefaultDB), nil
}

// PIDFilePath is --pid-file, or the database path with a .pid suffix.
func PIDFilePath(dbPath string) string {
	if path := viper.GetString(optname.PIDFile); path != "" {
		return path
	}
	return dbPath + ".pid"
}
