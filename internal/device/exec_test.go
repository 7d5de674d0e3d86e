package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"audio-recorder/internal/capture"
)

// writeScript creates an executable fake recorder that ignores its flags.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-arecord")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitArtifact(t *testing.T, ch <-chan capture.Artifact) capture.Artifact {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for artifact")
		return capture.Artifact{}
	}
}

// buffered reports how many bytes the handle has kept so far.
func (h *execHandle) buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Len()
}

func waitBuffered(t *testing.T, h *execHandle, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.buffered() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d buffered bytes, have %d", n, h.buffered())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCaptureArgs_Defaults(t *testing.T) {
	args, mimeType, err := captureArgs(capture.Constraints{})
	if err != nil {
		t.Fatalf("captureArgs failed: %v", err)
	}
	want := "-q -t raw -f S16_LE -c 1 -r 44100"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if mimeType != "audio/x-raw;format=S16LE;rate=44100;channels=1" {
		t.Errorf("unexpected mime type %s", mimeType)
	}
}

func TestCaptureArgs_Constraints(t *testing.T) {
	echo := true
	args, mimeType, err := captureArgs(capture.Constraints{
		DeviceID:         "hw:1,0",
		ChannelCount:     2,
		SampleRate:       48000,
		SampleSize:       24,
		EchoCancellation: &echo,
	})
	if err != nil {
		t.Fatalf("captureArgs failed: %v", err)
	}
	want := "-q -t raw -f S24_LE -c 2 -r 48000 -D hw:1,0"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if !strings.Contains(mimeType, "rate=48000") || !strings.Contains(mimeType, "channels=2") {
		t.Errorf("unexpected mime type %s", mimeType)
	}
}

func TestCaptureArgs_UnsupportedSampleSize(t *testing.T) {
	_, _, err := captureArgs(capture.Constraints{SampleSize: 12})
	if !errors.Is(err, capture.ErrOverconstrained) {
		t.Fatalf("expected ErrOverconstrained, got %v", err)
	}
}

func TestExecProvider_CommandNotFound(t *testing.T) {
	p := NewExecProvider("definitely-not-a-recorder-binary")
	_, err := p.Acquire(context.Background(), capture.Constraints{})
	if !errors.Is(err, capture.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestExecProvider_ImmediateExitIsDenied(t *testing.T) {
	script := writeScript(t, `echo "audio open error: Device or resource busy" >&2; exit 1`)
	p := &ExecProvider{Command: script, ProbeWindow: 2 * time.Second}

	_, err := p.Acquire(context.Background(), capture.Constraints{})
	if !errors.Is(err, capture.ErrAcquisitionDenied) {
		t.Fatalf("expected ErrAcquisitionDenied, got %v", err)
	}
	if !strings.Contains(err.Error(), "Device or resource busy") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestExecProvider_CancelledContext(t *testing.T) {
	p := NewExecProvider("sh")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx, capture.Constraints{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecHandle_DiscardsBeforeStartAndKeepsAfter(t *testing.T) {
	script := writeScript(t, `printf early; sleep 1; printf audio; exec sleep 30`)
	p := &ExecProvider{Command: script, ProbeWindow: 20 * time.Millisecond, GracefulTimeout: time.Second}

	dh, err := p.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h := dh.(*execHandle)

	got := make(chan capture.Artifact, 1)
	h.OnData(func(a capture.Artifact) { got <- a })

	// Let the early bytes go by before starting.
	time.Sleep(300 * time.Millisecond)
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitBuffered(t, h, len("audio"))

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	a := waitArtifact(t, got)
	if string(a.Data) != "audio" {
		t.Errorf("expected only post-start audio, got %q", a.Data)
	}
	if !strings.HasPrefix(a.MIMEType, "audio/x-raw") {
		t.Errorf("unexpected mime type %s", a.MIMEType)
	}

	// Second stop is a no-op and delivers nothing more.
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
	select {
	case a := <-got:
		t.Errorf("unexpected second artifact %q", a.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExecHandle_KeepsAudioFlushedOnInterrupt(t *testing.T) {
	script := writeScript(t, `trap 'printf tail; exit 0' INT; sleep 0.5; printf audio; while :; do sleep 0.1; done`)
	p := &ExecProvider{Command: script, ProbeWindow: 20 * time.Millisecond, GracefulTimeout: 2 * time.Second}

	dh, err := p.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h := dh.(*execHandle)
	got := make(chan capture.Artifact, 1)
	h.OnData(func(a capture.Artifact) { got <- a })

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitBuffered(t, h, len("audio"))

	h.Stop()
	if a := waitArtifact(t, got); string(a.Data) != "audiotail" {
		t.Errorf("expected flushed tail in artifact, got %q", a.Data)
	}
}

func TestExecHandle_PauseDropsAudio(t *testing.T) {
	script := writeScript(t, `sleep 0.5; printf one; sleep 1; printf two; sleep 1; printf three; exec sleep 30`)
	p := &ExecProvider{Command: script, ProbeWindow: 20 * time.Millisecond, GracefulTimeout: time.Second}

	dh, err := p.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h := dh.(*execHandle)
	got := make(chan capture.Artifact, 1)
	h.OnData(func(a capture.Artifact) { got <- a })

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitBuffered(t, h, len("one"))
	h.Pause()
	time.Sleep(1500 * time.Millisecond) // "two" arrives while paused
	h.Resume()
	waitBuffered(t, h, len("onethree"))

	h.Stop()
	if a := waitArtifact(t, got); string(a.Data) != "onethree" {
		t.Errorf("expected paused audio dropped, got %q", a.Data)
	}
}

func TestExecHandle_StopWithoutStartReleases(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	p := &ExecProvider{Command: script, ProbeWindow: 20 * time.Millisecond, GracefulTimeout: time.Second}

	dh, err := p.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h := dh.(*execHandle)
	got := make(chan capture.Artifact, 1)
	h.OnData(func(a capture.Artifact) { got <- a })

	h.Stop()
	if a := waitArtifact(t, got); len(a.Data) != 0 {
		t.Errorf("expected empty artifact, got %q", a.Data)
	}
	select {
	case <-h.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("capture process still running")
	}
	if err := h.Start(); err == nil {
		t.Error("expected Start after Stop to fail")
	}
}

func TestExecHandle_KillsUnresponsiveProcess(t *testing.T) {
	script := writeScript(t, `trap '' INT; while :; do sleep 1; done`)
	p := &ExecProvider{Command: script, ProbeWindow: 20 * time.Millisecond, GracefulTimeout: 200 * time.Millisecond}

	dh, err := p.Acquire(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	h := dh.(*execHandle)
	got := make(chan capture.Artifact, 1)
	h.OnData(func(a capture.Artifact) { got <- a })
	h.Start()

	h.Stop()
	waitArtifact(t, got)
	select {
	case <-h.exited:
	default:
		t.Error("expected process to be killed before delivery")
	}
}
