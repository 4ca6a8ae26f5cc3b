package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level configuration for the ringtap toolchain.
type Config struct {
	// Perf configures the per-CPU ring buffer consumers.
	Perf PerfConfig

	// Loader configures how compiled BPF objects are loaded and attached.
	Loader LoaderConfig

	// Build configures the clang build pipeline and its artifact cache.
	Build BuildConfig

	// MetricsAddr is the listen address for the Prometheus endpoint
	// ("" disables it).
	MetricsAddr string
}

// PerfConfig captures settings for perf event channels.
type PerfConfig struct {
	// PageCount is the number of data pages mapped per ring. The ring
	// offset arithmetic requires a power of two.
	PageCount int

	// PollTimeout bounds each epoll wait while draining channels.
	PollTimeout time.Duration

	// EventBuffer is the capacity of the decoded event channel.
	EventBuffer int
}

// LoaderConfig captures settings for loading compiled BPF objects.
type LoaderConfig struct {
	// EventsMap names the perf event array the kernel programs write to.
	EventsMap string

	BTF BTFConfig
}

// BTFConfig controls BTF spec resolution for CO-RE relocations.
type BTFConfig struct {
	CacheDir      string
	AllowDownload bool
	HubMirror     string
}

// BuildConfig captures settings for compiling BPF sources.
type BuildConfig struct {
	// Clang is the compiler binary to invoke.
	Clang string

	// CacheDir holds the pebble-backed artifact cache ("" keeps the cache
	// under the project's target directory).
	CacheDir string

	// KernelHeaderRoot overrides /lib/modules/<release>/build discovery.
	KernelHeaderRoot string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Perf: PerfConfig{
			PageCount:   16,
			PollTimeout: 200 * time.Millisecond,
			EventBuffer: 4096,
		},
		Loader: LoaderConfig{
			EventsMap: "events",
		},
		Build: BuildConfig{
			Clang: "clang",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RINGTAP_PAGE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Perf.PageCount = n
		}
	}
	if v := os.Getenv("RINGTAP_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Perf.PollTimeout = d
		}
	}
	if v := os.Getenv("RINGTAP_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Perf.EventBuffer = n
		}
	}
	if v := os.Getenv("RINGTAP_EVENTS_MAP"); v != "" {
		cfg.Loader.EventsMap = v
	}
	if v := os.Getenv("RINGTAP_BTF_CACHE_DIR"); v != "" {
		cfg.Loader.BTF.CacheDir = v
	}
	if v := os.Getenv("RINGTAP_BTF_ALLOW_DOWNLOAD"); v != "" {
		cfg.Loader.BTF.AllowDownload = v == "1" || v == "true" || v == "TRUE"
	}
	if v := os.Getenv("RINGTAP_BTF_HUB_MIRROR"); v != "" {
		cfg.Loader.BTF.HubMirror = v
	}
	if v := os.Getenv("RINGTAP_CLANG"); v != "" {
		cfg.Build.Clang = v
	}
	if v := os.Getenv("RINGTAP_BUILD_CACHE_DIR"); v != "" {
		cfg.Build.CacheDir = v
	}
	if v := os.Getenv("RINGTAP_KERNEL_HEADERS"); v != "" {
		cfg.Build.KernelHeaderRoot = v
	}
	if v := os.Getenv("RINGTAP_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Perf.Validate(); err != nil {
		return fmt.Errorf("perf config invalid: %w", err)
	}
	if c.Loader.EventsMap == "" {
		return fmt.Errorf("events map name must not be empty")
	}
	if c.Build.Clang == "" {
		return fmt.Errorf("clang binary must not be empty")
	}
	return nil
}

// Validate ensures ring settings make sense before any mapping is attempted.
func (c PerfConfig) Validate() error {
	if c.PageCount <= 0 || c.PageCount&(c.PageCount-1) != 0 {
		return fmt.Errorf("page count must be a power of two, got %d", c.PageCount)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be > 0")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer size must be positive")
	}
	return nil
}
