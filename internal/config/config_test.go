package config_test

import (
	"testing"
	"time"

	"github.com/servalproject/lbard-go/internal/config"
)

func TestParsePositionalArgs(t *testing.T) {
	cfg, err := config.Parse([]string{"localhost:4110", "admin:secret", "abcd1234", "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ServerAddr != "localhost:4110" || cfg.AuthUser != "admin" || cfg.AuthPass != "secret" {
		t.Fatalf("unexpected auth/server fields: %+v", cfg)
	}
	if cfg.MySID != "abcd1234" || cfg.Serial != "/dev/ttyUSB0" {
		t.Fatalf("unexpected sid/serial fields: %+v", cfg)
	}
}

func TestParseTooFewArgs(t *testing.T) {
	if _, err := config.Parse([]string{"localhost:4110"}); err == nil {
		t.Fatalf("expected error for too few positional args")
	}
}

func TestParseMalformedAuth(t *testing.T) {
	if _, err := config.Parse([]string{"localhost:4110", "noColon", "sid", "/dev/ttyUSB0"}); err == nil {
		t.Fatalf("expected error for malformed basic-auth")
	}
}

func TestParseOptionsAndFlags(t *testing.T) {
	cfg, err := config.Parse([]string{
		"-monitor", "-meshmsonly", "-pull", "-radio=lora", "-rebootwhenstuck",
		"localhost:4110", "admin:secret", "abcd1234", "/dev/ttyUSB0",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Monitor || !cfg.MeshMSOnly || !cfg.Pull || !cfg.RebootWhenStuck {
		t.Fatalf("expected boolean flags set: %+v", cfg)
	}
	if cfg.Radio != "lora" {
		t.Fatalf("expected radio=lora, got %q", cfg.Radio)
	}
}

func TestParseMutuallyExclusiveTimeFlags(t *testing.T) {
	_, err := config.Parse([]string{
		"-timemaster", "-timeslave",
		"localhost:4110", "admin:secret", "abcd1234", "/dev/ttyUSB0",
	})
	if err == nil {
		t.Fatalf("expected error for timemaster+timeslave")
	}
}

func TestParseMinVersionEpoch(t *testing.T) {
	v, err := config.ParseMinVersion("1700000000000")
	if err != nil {
		t.Fatalf("ParseMinVersion: %v", err)
	}
	if v != 1700000000000 {
		t.Fatalf("unexpected value: %d", v)
	}
}

func TestParseMinVersionDate(t *testing.T) {
	v, err := config.ParseMinVersion("2024/01/15")
	if err != nil {
		t.Fatalf("ParseMinVersion: %v", err)
	}
	want := uint64(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli())
	// ParseMinVersion uses time.Parse which defaults to UTC.
	if v != want {
		t.Fatalf("unexpected value: got %d want %d", v, want)
	}
}

func TestParseMinVersionInvalid(t *testing.T) {
	if _, err := config.ParseMinVersion("not-a-date"); err == nil {
		t.Fatalf("expected error for invalid minversion")
	}
}
