// Package capturetest provides in-memory capture devices and event
// collectors for tests.
package capturetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"audio-recorder/internal/capture"
)

// WaitTimeout bounds every wait in this package.
const WaitTimeout = 2 * time.Second

// Handle is a scripted capture.DeviceHandle. By default Stop delivers
// Artifact synchronously, the way a browser MediaRecorder mock does.
type Handle struct {
	Artifact capture.Artifact
	StartErr error
	// DeferData holds the artifact back until Deliver is called.
	DeferData bool

	mu     sync.Mutex
	calls  []string
	onData func(capture.Artifact)
}

func (h *Handle) record(call string) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
}

func (h *Handle) Start() error {
	h.record("start")
	return h.StartErr
}

func (h *Handle) Pause() error {
	h.record("pause")
	return nil
}

func (h *Handle) Resume() error {
	h.record("resume")
	return nil
}

func (h *Handle) Stop() error {
	h.record("stop")
	if !h.DeferData {
		h.Deliver()
	}
	return nil
}

func (h *Handle) OnData(fn func(capture.Artifact)) {
	h.mu.Lock()
	h.onData = fn
	h.mu.Unlock()
}

// Deliver invokes the registered data handler with Artifact.
func (h *Handle) Deliver() {
	h.mu.Lock()
	fn := h.onData
	h.mu.Unlock()
	if fn != nil {
		fn(h.Artifact)
	}
}

// Calls returns the device operations invoked so far, in order.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

// Provider hands out Handles. Acquire ignores context cancellation, like a
// platform permission prompt that cannot be withdrawn.
type Provider struct {
	Artifact  capture.Artifact
	Err       error
	DeferData bool
	StartErr  error

	mu          sync.Mutex
	gate        chan struct{}
	handles     []*Handle
	constraints []capture.Constraints
	requested   chan struct{}
}

// NewProvider returns a provider whose handles deliver artifact on stop.
func NewProvider(artifact capture.Artifact) *Provider {
	return &Provider{Artifact: artifact, requested: make(chan struct{}, 16)}
}

// Block makes later Acquire calls wait until Unblock.
func (p *Provider) Block() {
	p.mu.Lock()
	p.gate = make(chan struct{})
	p.mu.Unlock()
}

// Unblock releases every waiting Acquire call.
func (p *Provider) Unblock() {
	p.mu.Lock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
	p.mu.Unlock()
}

func (p *Provider) Acquire(ctx context.Context, c capture.Constraints) (capture.DeviceHandle, error) {
	p.mu.Lock()
	p.constraints = append(p.constraints, c)
	gate := p.gate
	p.mu.Unlock()

	select {
	case p.requested <- struct{}{}:
	default:
	}

	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	h := &Handle{Artifact: p.Artifact, DeferData: p.DeferData, StartErr: p.StartErr}
	p.handles = append(p.handles, h)
	return h, nil
}

// WaitRequested blocks until Acquire has been entered once more.
func (p *Provider) WaitRequested(t testing.TB) {
	t.Helper()
	select {
	case <-p.requested:
	case <-time.After(WaitTimeout):
		t.Fatal("timed out waiting for an acquire request")
	}
}

// Handles returns every handle acquired so far.
func (p *Provider) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, len(p.handles))
	copy(out, p.handles)
	return out
}

// Last returns the most recently acquired handle, or nil.
func (p *Provider) Last() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

// Constraints returns the constraints passed to each Acquire call.
func (p *Provider) Constraints() []capture.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capture.Constraints, len(p.constraints))
	copy(out, p.constraints)
	return out
}

// Listener is anything events can be observed on.
type Listener interface {
	Listen(fn func(capture.Event)) (remove func())
}

// EventLog records every event published by a session.
type EventLog struct {
	mu      sync.Mutex
	events  []capture.Event
	cursor  int
	changed chan struct{}
	remove  func()
}

// Collect starts recording events from l.
func Collect(l Listener) *EventLog {
	el := &EventLog{changed: make(chan struct{}, 1)}
	el.remove = l.Listen(el.add)
	return el
}

func (l *EventLog) add(ev capture.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Stop detaches the log from its session.
func (l *EventLog) Stop() { l.remove() }

// Next waits for the next event of type typ after the last one returned.
func (l *EventLog) Next(t testing.TB, typ capture.EventType) capture.Event {
	t.Helper()
	deadline := time.After(WaitTimeout)
	for {
		l.mu.Lock()
		for i := l.cursor; i < len(l.events); i++ {
			if l.events[i].Type == typ {
				l.cursor = i + 1
				ev := l.events[i]
				l.mu.Unlock()
				return ev
			}
		}
		l.mu.Unlock()

		select {
		case <-l.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return capture.Event{}
		}
	}
}

// Count returns how many events of type typ were seen.
func (l *EventLog) Count(typ capture.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Events returns everything recorded so far.
func (l *EventLog) Events() []capture.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]capture.Event, len(l.events))
	copy(out, l.events)
	return out
}
