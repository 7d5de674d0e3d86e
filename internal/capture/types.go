package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State represents the lifecycle state of a capture session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
)

// Acquisition failures. Providers wrap one of these so callers can
// classify the failure with errors.Is.
var (
	ErrAcquisitionDenied = errors.New("audio capture permission denied")
	ErrDeviceNotFound    = errors.New("audio capture device not found")
	ErrOverconstrained   = errors.New("audio constraints cannot be satisfied")
)

// Constraints selects and configures the capture device. A session
// keeps its own copy and hands it to the provider unchanged.
type Constraints struct {
	DeviceID         string `json:"deviceId,omitempty"`
	GroupID          string `json:"groupId,omitempty"`
	AutoGainControl  *bool  `json:"autoGainControl,omitempty"`
	EchoCancellation *bool  `json:"echoCancellation,omitempty"`
	NoiseSuppression *bool  `json:"noiseSuppression,omitempty"`
	ChannelCount     int    `json:"channelCount,omitempty"`
	SampleRate       int    `json:"sampleRate,omitempty"`
	SampleSize       int    `json:"sampleSize,omitempty"`
}

// clone deep-copies the optional flags so later edits by the caller
// cannot reach the session's snapshot.
func (c Constraints) clone() Constraints {
	out := c
	out.AutoGainControl = cloneBool(c.AutoGainControl)
	out.EchoCancellation = cloneBool(c.EchoCancellation)
	out.NoiseSuppression = cloneBool(c.NoiseSuppression)
	return out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Artifact is the finished audio produced by one stopped recording.
type Artifact struct {
	Data     []byte
	MIMEType string
}

// Size returns the artifact length in bytes.
func (a Artifact) Size() int { return len(a.Data) }

// DeviceHandle is a live connection to a capture device.
//
// Stop must release the device whether or not Start was called, and
// must cause the registered data handler to run exactly once, possibly
// on another goroutine and possibly before Stop returns. Handlers are
// never invoked before Stop. Implementations must be safe for use from
// multiple goroutines.
type DeviceHandle interface {
	Start() error
	Pause() error
	Resume() error
	Stop() error
	OnData(fn func(Artifact))
}

// Provider acquires capture devices.
type Provider interface {
	Acquire(ctx context.Context, c Constraints) (DeviceHandle, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, c Constraints) (DeviceHandle, error)

func (f ProviderFunc) Acquire(ctx context.Context, c Constraints) (DeviceHandle, error) {
	return f(ctx, c)
}

// EventType distinguishes the notifications a session publishes.
type EventType string

const (
	EventState         EventType = "state"
	EventTick          EventType = "tick"
	EventArtifact      EventType = "artifact"
	EventAcquireFailed EventType = "acquire_failed"
	EventAborted       EventType = "aborted"
	EventDeviceError   EventType = "device_error"
)

// Event is a single notification from a session. State and Elapsed
// describe the session right after the change that produced the event.
type Event struct {
	Type      EventType
	AttemptID string
	State     State
	Elapsed   int
	Artifact  *Artifact
	// Discarded is set on artifact events of cancelled recordings.
	Discarded bool
	Err       error
	Timestamp time.Time
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	State     State  `json:"state"`
	Elapsed   int    `json:"elapsed"`
	Acquiring bool   `json:"acquiring"`
	AttemptID string `json:"attemptId,omitempty"`
}

// Formatted returns the elapsed time as m:ss.
func (s Snapshot) Formatted() string { return FormatElapsed(s.Elapsed) }

// FormatElapsed renders whole seconds as minutes:seconds with the seconds
// zero-padded, e.g. 61 -> "1:01".
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
