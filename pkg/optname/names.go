package optname

const (
	ConnTimeout            = "connect-timeout"
	DBPath                 = "db"
	FlushInterval          = "flush-interval"
	Force                  = "force"
	ForceHTTP2             = "force-http2"
	Listen                 = "listen"
	LoggingLevel           = "log-level"
	MaxConcurrentDownloads = "max-concurrent-downloads"
	MaxConnPerHost         = "max-conn-per-host"
	MultiChunkThreshold    = "multi-chunk-threshold"
	PIDFile                = "pid-file"
	Resolve                = "resolve"
	Retries                = "retries"
	ShutdownTimeout        = "shutdown-timeout"
	Threads                = "threads"
	Verbose                = "verbose"
)
