package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Perf.PageCount != 16 {
		t.Errorf("default page count = %d, want 16", cfg.Perf.PageCount)
	}
	if cfg.Loader.EventsMap != "events" {
		t.Errorf("default events map = %q, want %q", cfg.Loader.EventsMap, "events")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RINGTAP_PAGE_COUNT", "64")
	t.Setenv("RINGTAP_POLL_TIMEOUT", "50ms")
	t.Setenv("RINGTAP_EVENTS_MAP", "kernel_events")
	t.Setenv("RINGTAP_BTF_ALLOW_DOWNLOAD", "true")
	t.Setenv("RINGTAP_METRICS_ADDR", ":9402")

	cfg := LoadFromEnv()

	if cfg.Perf.PageCount != 64 {
		t.Errorf("page count = %d, want 64", cfg.Perf.PageCount)
	}
	if cfg.Perf.PollTimeout != 50*time.Millisecond {
		t.Errorf("poll timeout = %v, want 50ms", cfg.Perf.PollTimeout)
	}
	if cfg.Loader.EventsMap != "kernel_events" {
		t.Errorf("events map = %q, want kernel_events", cfg.Loader.EventsMap)
	}
	if !cfg.Loader.BTF.AllowDownload {
		t.Errorf("expected BTF download to be enabled")
	}
	if cfg.MetricsAddr != ":9402" {
		t.Errorf("metrics addr = %q, want :9402", cfg.MetricsAddr)
	}
}

func TestLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("RINGTAP_PAGE_COUNT", "not-a-number")
	t.Setenv("RINGTAP_POLL_TIMEOUT", "soon")

	cfg := LoadFromEnv()
	if cfg.Perf.PageCount != DefaultConfig().Perf.PageCount {
		t.Errorf("garbage page count should keep default, got %d", cfg.Perf.PageCount)
	}
	if cfg.Perf.PollTimeout != DefaultConfig().Perf.PollTimeout {
		t.Errorf("garbage poll timeout should keep default, got %v", cfg.Perf.PollTimeout)
	}
}

func TestValidateRejectsBadPageCount(t *testing.T) {
	for _, n := range []int{0, -1, 3, 6, 12, 1000} {
		cfg := DefaultConfig()
		cfg.Perf.PageCount = n
		if err := cfg.Validate(); err == nil {
			t.Errorf("page count %d should be rejected", n)
		}
	}
	for _, n := range []int{1, 2, 8, 128} {
		cfg := DefaultConfig()
		cfg.Perf.PageCount = n
		if err := cfg.Validate(); err != nil {
			t.Errorf("page count %d should be accepted: %v", n, err)
		}
	}
}
