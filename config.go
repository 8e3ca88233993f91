package hushd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ExhaustedRequestsCount counts matched-but-exhausted requests toward the
	// abuse limit.
	ExhaustedRequestsCount = "count"
	// ExhaustedRequestsIgnore answers matched-but-exhausted requests with a
	// plain 404 without moving the abuse counter.
	ExhaustedRequestsIgnore = "ignore"
)

const (
	// DefaultMaxUses is the number of successful deliveries before the server
	// stops cleanly.
	DefaultMaxUses = 1
	// DefaultMaxFailedAttempts is the number of unmatched requests tolerated
	// before the server stops and reports abuse.
	DefaultMaxFailedAttempts = 3
	// DefaultTokenLength is the length of the random URL token.
	DefaultTokenLength = 42
	// MinTokenLength bounds how short the URL token may be configured.
	MinTokenLength = 8
	// MaxTokenLength bounds how long the URL token may be configured.
	MaxTokenLength = 255
	// DefaultPort asks the kernel for an ephemeral port.
	DefaultPort = 0
	// DefaultStdinName is the URL filename segment when the secret arrives on
	// stdin and no --name is given.
	DefaultStdinName = "secret.txt"
	// DefaultStdinMaxBytes caps how much piped input is buffered in memory.
	DefaultStdinMaxBytes = 64 << 20
	// DefaultDrainGrace is how long in-flight deliveries may finish once the
	// stop decision is made.
	DefaultDrainGrace = 3 * time.Second
	// DefaultShutdownTimeout caps the whole stop sequence (drain + HTTP
	// shutdown + telemetry flush).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is empty: a one-shot secret server opens no
	// operator surfaces unless asked.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty (pprof disabled).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

var exhaustedRequestsChoices = []string{
	ExhaustedRequestsCount,
	ExhaustedRequestsIgnore,
}

// ValidExhaustedRequestsPolicies returns the supported policies for
// matched-but-exhausted requests.
func ValidExhaustedRequestsPolicies() []string {
	out := make([]string, len(exhaustedRequestsChoices))
	copy(out, exhaustedRequestsChoices)
	return out
}

// Config captures the tunables for a hushd.Server instance.
type Config struct {
	// SecretFile is the path of the file to share. Empty or "-" selects stdin
	// mode; callers then provide the buffered secret via WithResponder or
	// Config.StdinData.
	SecretFile string
	// StdinData holds the piped secret when SecretFile selects stdin mode and
	// the caller pre-read the input.
	StdinData []byte
	// Name overrides the filename segment of the share URL.
	Name string
	// MaxUses is the number of successful deliveries before clean shutdown.
	MaxUses int
	// MaxFailedAttempts is the number of unmatched requests before abusive
	// shutdown.
	MaxFailedAttempts int
	// TokenLength is the length of the random URL token.
	TokenLength int
	// BindIP is the address to bind and advertise; empty auto-discovers a LAN
	// address.
	BindIP string
	// Port is the TCP port to bind; 0 asks the kernel.
	Port int
	// ExhaustedRequests selects whether matched-but-exhausted requests count
	// toward the abuse limit ("count") or not ("ignore").
	ExhaustedRequests string
	// Watch shuts the server down when the secret file is removed, renamed,
	// or rewritten. Ignored in stdin mode.
	Watch bool
	// WatchSet reports whether Watch was explicitly set by caller/flags/env.
	WatchSet bool
	// DrainGrace is how long in-flight deliveries may finish during stop.
	DrainGrace time.Duration
	// ShutdownTimeout caps the total stop sequence.
	ShutdownTimeout time.Duration
	// MetricsListen is the Prometheus scrape endpoint bind address; empty
	// disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds runtime profiling metrics to the metrics
	// endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
}

// DefaultConfigDir returns the default configuration directory ($HOME/.hushd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HUSHD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hushd"), nil
}

// StdinMode reports whether the secret is read from stdin rather than a file.
func (c Config) StdinMode() bool {
	f := strings.TrimSpace(c.SecretFile)
	return f == "" || f == "-"
}

// CountExhausted reports whether matched-but-exhausted requests move the
// abuse counter.
func (c Config) CountExhausted() bool {
	return c.ExhaustedRequests != ExhaustedRequestsIgnore
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.MaxUses == 0 {
		c.MaxUses = DefaultMaxUses
	}
	if c.MaxUses < 0 {
		return fmt.Errorf("config: max uses must be >= 1")
	}
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if c.MaxFailedAttempts < 0 {
		return fmt.Errorf("config: max failed attempts must be >= 1")
	}
	if c.TokenLength == 0 {
		c.TokenLength = DefaultTokenLength
	}
	if c.TokenLength < MinTokenLength || c.TokenLength > MaxTokenLength {
		return fmt.Errorf("config: token length must be between %d and %d", MinTokenLength, MaxTokenLength)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be between 0 and 65535")
	}
	c.ExhaustedRequests = strings.ToLower(strings.TrimSpace(c.ExhaustedRequests))
	if c.ExhaustedRequests == "" {
		c.ExhaustedRequests = ExhaustedRequestsCount
	}
	switch c.ExhaustedRequests {
	case ExhaustedRequestsCount, ExhaustedRequestsIgnore:
	default:
		return fmt.Errorf("config: exhausted requests policy must be one of: %s", strings.Join(ValidExhaustedRequestsPolicies(), ", "))
	}
	if !c.WatchSet {
		c.Watch = !c.StdinMode()
	}
	if c.Watch && c.StdinMode() {
		c.Watch = false
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ShutdownTimeout < c.DrainGrace {
		return fmt.Errorf("config: shutdown timeout must be >= drain grace")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.Name != "" && strings.ContainsAny(c.Name, "/\\") {
		return fmt.Errorf("config: name must not contain path separators")
	}
	return nil
}
