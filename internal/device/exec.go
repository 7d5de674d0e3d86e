// Package device captures audio by running an ALSA-style recorder
// subprocess that writes raw PCM to stdout.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"audio-recorder/internal/capture"
)

const (
	defaultCommand         = "arecord"
	defaultGracefulTimeout = 2 * time.Second
	defaultProbeWindow     = 150 * time.Millisecond
	defaultChannels        = 1
	defaultSampleRate      = 44100
	defaultSampleSize      = 16
	readChunkSize          = 32 * 1024
	maxStderrBytes         = 4 * 1024
)

// ExecProvider acquires capture devices by spawning Command.
type ExecProvider struct {
	// Command is the recorder binary, arecord by default.
	Command string
	// GracefulTimeout is how long Stop waits after interrupting the
	// process before killing it.
	GracefulTimeout time.Duration
	// ProbeWindow is how long Acquire watches the new process for an
	// immediate failure such as a busy or missing device.
	ProbeWindow time.Duration
}

// NewExecProvider returns a provider running command.
func NewExecProvider(command string) *ExecProvider {
	return &ExecProvider{Command: command}
}

func (p *ExecProvider) command() string {
	if p.Command == "" {
		return defaultCommand
	}
	return p.Command
}

// Acquire spawns the recorder and returns a handle that discards audio
// until Start is called.
func (p *ExecProvider) Acquire(ctx context.Context, c capture.Constraints) (capture.DeviceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binaryPath, err := exec.LookPath(p.command())
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", capture.ErrDeviceNotFound, p.command())
	}

	args, mimeType, err := captureArgs(c)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binaryPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{max: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", capture.ErrAcquisitionDenied, err)
		}
		return nil, fmt.Errorf("start %s: %w", p.command(), err)
	}

	h := &execHandle{
		cmd:      cmd,
		cancel:   cancel,
		mimeType: mimeType,
		grace:    p.GracefulTimeout,
		stderr:   stderr,
		exited:   make(chan struct{}),
	}
	if h.grace <= 0 {
		h.grace = defaultGracefulTimeout
	}
	go h.readLoop(stdout)

	probe := p.ProbeWindow
	if probe <= 0 {
		probe = defaultProbeWindow
	}
	timer := time.NewTimer(probe)
	defer timer.Stop()
	select {
	case <-h.exited:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && h.exitErr != nil {
			msg = h.exitErr.Error()
		}
		return nil, fmt.Errorf("%w: %s exited: %s", capture.ErrAcquisitionDenied, p.command(), msg)
	case <-ctx.Done():
		h.kill()
		return nil, ctx.Err()
	case <-timer.C:
	}

	return h, nil
}

// captureArgs maps constraints onto recorder flags. Constraints the
// recorder cannot honour are logged and ignored.
func captureArgs(c capture.Constraints) ([]string, string, error) {
	channels := c.ChannelCount
	if channels <= 0 {
		channels = defaultChannels
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	size := c.SampleSize
	if size <= 0 {
		size = defaultSampleSize
	}

	var format string
	switch size {
	case 8:
		format = "U8"
	case 16:
		format = "S16_LE"
	case 24:
		format = "S24_LE"
	case 32:
		format = "S32_LE"
	default:
		return nil, "", fmt.Errorf("%w: sample size %d", capture.ErrOverconstrained, size)
	}

	args := []string{"-q", "-t", "raw", "-f", format, "-c", strconv.Itoa(channels), "-r", strconv.Itoa(rate)}
	if c.DeviceID != "" {
		args = append(args, "-D", c.DeviceID)
	}

	if c.GroupID != "" {
		log.Printf("device: ignoring unsupported constraint groupId=%s", c.GroupID)
	}
	for name, v := range map[string]*bool{
		"autoGainControl":  c.AutoGainControl,
		"echoCancellation": c.EchoCancellation,
		"noiseSuppression": c.NoiseSuppression,
	} {
		if v != nil && *v {
			log.Printf("device: ignoring unsupported constraint %s", name)
		}
	}

	mimeType := fmt.Sprintf("audio/x-raw;format=%s;rate=%d;channels=%d",
		strings.ReplaceAll(format, "_", ""), rate, channels)
	return args, mimeType, nil
}

// execHandle is a running recorder process.
type execHandle struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	mimeType string
	grace    time.Duration
	stderr   *limitedBuffer

	exited  chan struct{}
	exitErr error

	mu        sync.Mutex
	capturing bool // false before Start and while paused
	stopped   bool
	buf       bytes.Buffer
	onData    func(capture.Artifact)
}

// readLoop keeps the pipe drained so the recorder never blocks, and keeps
// the bytes that arrive while capturing.
func (h *execHandle) readLoop(stdout io.Reader) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			h.mu.Lock()
			if h.capturing {
				h.buf.Write(chunk[:n])
			}
			h.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Printf("device: read capture output: %v", err)
			}
			break
		}
	}

	// Wait only after all reads from the pipe are done.
	h.exitErr = h.cmd.Wait()
	h.cancel()
	close(h.exited)
}

func (h *execHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("capture already stopped")
	}
	select {
	case <-h.exited:
		return fmt.Errorf("capture process exited: %v", h.exitErr)
	default:
	}
	h.capturing = true
	return nil
}

func (h *execHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("capture already stopped")
	}
	h.capturing = false
	return nil
}

func (h *execHandle) Resume() error {
	return h.Start()
}

func (h *execHandle) OnData(fn func(capture.Artifact)) {
	h.mu.Lock()
	h.onData = fn
	h.mu.Unlock()
}

// Stop interrupts the recorder so it can flush, kills it if it does not
// exit within the grace period, then delivers the captured audio. Output
// written while the recorder shuts down is kept unless it was paused.
func (h *execHandle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var sigErr error
	if h.cmd.Process != nil {
		if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			sigErr = fmt.Errorf("interrupt capture process: %w", err)
		}
	}

	go func() {
		select {
		case <-h.exited:
		case <-time.After(h.grace):
			log.Printf("device: capture process did not exit after %s, killing", h.grace)
			h.kill()
		}

		h.mu.Lock()
		h.capturing = false
		data := make([]byte, h.buf.Len())
		copy(data, h.buf.Bytes())
		h.buf.Reset()
		fn := h.onData
		h.mu.Unlock()

		if fn != nil {
			fn(capture.Artifact{Data: data, MIMEType: h.mimeType})
		}
	}()

	return sigErr
}

// kill force-stops the process and waits for the reader to finish.
func (h *execHandle) kill() {
	h.cancel()
	<-h.exited
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
