package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 8420 {
		t.Errorf("expected port 8420, got %d", cfg.Port)
	}
	if cfg.DeviceDir != "/dev/snd" {
		t.Errorf("expected device dir /dev/snd, got %s", cfg.DeviceDir)
	}
	if cfg.Capture.Command != "arecord" {
		t.Errorf("expected arecord, got %s", cfg.Capture.Command)
	}
	if cfg.Capture.StopTimeout != 2*time.Second {
		t.Errorf("expected 2s stop timeout, got %v", cfg.Capture.StopTimeout)
	}

	c := cfg.Capture.Constraints()
	if c.ChannelCount != 1 || c.SampleRate != 44100 || c.SampleSize != 16 {
		t.Errorf("unexpected default constraints %+v", c)
	}
	if c.EchoCancellation != nil || c.NoiseSuppression != nil || c.AutoGainControl != nil {
		t.Error("expected processing flags to be unset by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CAPTURE_DEVICE", "hw:1,0")
	t.Setenv("CAPTURE_SAMPLE_RATE", "48000")
	t.Setenv("CAPTURE_ECHO_CANCELLATION", "false")
	t.Setenv("COMPLETE_HOOK", "cat > /tmp/last.raw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.CompleteHook != "cat > /tmp/last.raw" {
		t.Errorf("unexpected hook %q", cfg.CompleteHook)
	}

	c := cfg.Capture.Constraints()
	if c.DeviceID != "hw:1,0" || c.SampleRate != 48000 {
		t.Errorf("unexpected constraints %+v", c)
	}
	if c.EchoCancellation == nil || *c.EchoCancellation {
		t.Error("expected echo cancellation explicitly disabled")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for port 0")
	}
}

func TestLoad_MalformedValue(t *testing.T) {
	t.Setenv("CAPTURE_CHANNELS", "two")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric channel count")
	}
}
