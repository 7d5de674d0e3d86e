package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"audio-recorder/internal/device"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeRecordingUpdate        = "recording.update"
	TypeRecordingTick          = "recording.tick"
	TypeRecordingCompleted     = "recording.completed"
	TypeRecordingAcquireFailed = "recording.acquireFailed"
	TypeDevicesUpdate          = "devices.update"
	TypeError                  = "error"
)

// Client → Server message types.
const (
	TypeRecordingStart       = "recording.start"
	TypeRecordingStop        = "recording.stop"
	TypeRecordingTogglePause = "recording.togglePause"
	TypeRecordingCancel      = "recording.cancel"
	TypeDevicesRequest       = "devices.request"
)

// Error codes.
const (
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrAcquisitionDenied = "ACQUISITION_DENIED"
	ErrDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrOverconstrained   = "OVERCONSTRAINED"
	ErrAcquisitionFailed = "ACQUISITION_FAILED"
	ErrDeviceError       = "DEVICE_ERROR"
)

// Server → Client payloads.

// RecordingStatePayload describes the session; used by update and tick.
type RecordingStatePayload struct {
	AttemptID string `json:"attemptId,omitempty"`
	State     string `json:"state"`
	Elapsed   int    `json:"elapsed"`
	Time      string `json:"time"` // m:ss
	Acquiring bool   `json:"acquiring"`
}

// RecordingCompletedPayload announces a saved recording. Audio itself is
// never sent to clients.
type RecordingCompletedPayload struct {
	Size     int    `json:"size"`
	MIMEType string `json:"mimeType"`
}

type DevicesUpdatePayload struct {
	Devices []device.Device `json:"devices"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// RecordingStopPayload carries the save intent. A missing field saves.
type RecordingStopPayload struct {
	Save *bool `json:"save,omitempty"`
}

// ShouldSave reports the save intent, defaulting to true.
func (p RecordingStopPayload) ShouldSave() bool {
	return p.Save == nil || *p.Save
}
