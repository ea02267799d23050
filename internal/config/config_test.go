package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	for _, key := range []string{"PORT", "GRPC_PORT", "GRPC_ADDR", "DATABASE_URL", "TELEGRAM_TOKEN", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.GRPCAddr() != "0.0.0.0:50051" {
		t.Fatalf("GRPCAddr = %q, want 0.0.0.0:50051", cfg.GRPCAddr())
	}
	if !cfg.MonthlyRepeat {
		t.Fatalf("MonthlyRepeat = false, want true")
	}
	if cfg.RefreshSpec != "@every 15m" || cfg.PruneSpec != "30 3 * * *" {
		t.Fatalf("specs = %q, %q", cfg.RefreshSpec, cfg.PruneSpec)
	}
	if cfg.JobTimeout != 5*time.Minute || cfg.GRPCRequestTimeout != 10*time.Second {
		t.Fatalf("timeouts = %v, %v", cfg.JobTimeout, cfg.GRPCRequestTimeout)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("Location = %v, %v; want UTC", loc, err)
	}
}

func TestLoad_GRPCAddrOverridesHostAndPort(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MEDREMINDER_GRPC_ADDR", "127.0.0.1:6000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GRPCHost != "127.0.0.1" || cfg.GRPCPort != 6000 {
		t.Fatalf("host/port = %s/%d", cfg.GRPCHost, cfg.GRPCPort)
	}
}

func TestLoad_ScheduleSettings(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MEDREMINDER_TIME_ZONE", "Europe/Berlin")
	t.Setenv("MEDREMINDER_MONTHLY_REPEAT", "false")
	t.Setenv("MEDREMINDER_REFRESH_SPEC", "@every 1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MonthlyRepeat {
		t.Fatalf("MonthlyRepeat = true, want false")
	}
	if cfg.RefreshSpec != "@every 1h" {
		t.Fatalf("RefreshSpec = %q", cfg.RefreshSpec)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location error: %v", err)
	}
	if loc.String() != "Europe/Berlin" {
		t.Fatalf("Location = %s, want Europe/Berlin", loc)
	}
}

func TestLoad_IgnoresProcessTZ(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TZ", ":/etc/localtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TimeZone != "UTC" {
		t.Fatalf("TimeZone = %q, want UTC", cfg.TimeZone)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "time zone", key: "MEDREMINDER_TIME_ZONE", val: "Mars/Olympus"},
		{name: "job timeout", key: "MEDREMINDER_JOB_TIMEOUT", val: "soon"},
		{name: "request timeout", key: "MEDREMINDER_GRPC_REQUEST_TIMEOUT", val: "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load succeeded with %s=%q", tt.key, tt.val)
			}
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
