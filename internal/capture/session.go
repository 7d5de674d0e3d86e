package capture

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultHistoryCapacity  = 64
	defaultSubscriberBufCap = 64
	tickInterval            = time.Second
)

// Session drives one capture slot through idle, recording and paused.
//
// All methods are non-blocking. Device acquisition, timer ticks and
// artifact delivery complete later and are reported as events, delivered
// in order on a single goroutine to listeners registered with Listen and
// to channels returned by Subscribe.
type Session struct {
	provider    Provider
	constraints Constraints
	clock       clockwork.Clock

	mu           sync.Mutex
	state        State
	attempt      *attempt
	accumulated  time.Duration // recording time banked before the current segment
	segmentStart time.Time
	ticker       clockwork.Ticker
	tickDone     chan struct{}
	closed       bool

	dispatch    *dispatcher
	ringBuf     *RingBuffer
	subscribers map[string]chan Event
	subMu       sync.RWMutex
}

// attempt is one trip out of idle: from the start request until the
// device is released.
type attempt struct {
	id     string
	cancel context.CancelFunc
	handle DeviceHandle

	aborted   atomic.Bool // stop or cancel arrived before the device did
	released  atomic.Bool // device let go without recording; data is dropped
	stopped   atomic.Bool
	discard   atomic.Bool
	delivered atomic.Bool
}

// New creates an idle session. A nil clock means wall-clock time.
func New(provider Provider, constraints Constraints, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Session{
		provider:    provider,
		constraints: constraints.clone(),
		clock:       clock,
		state:       StateIdle,
		dispatch:    newDispatcher(),
		ringBuf:     NewRingBuffer(defaultHistoryCapacity),
		subscribers: make(map[string]chan Event),
	}
	s.dispatch.add(s.fanOut)
	return s
}

// Constraints returns the session's constraint snapshot.
func (s *Session) Constraints() Constraints { return s.constraints.clone() }

// Start requests a device and begins recording once it is acquired. ctx
// bounds the acquisition only. Start is a no-op while an attempt is
// acquiring, recording or paused.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.attempt != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &attempt{id: uuid.New().String(), cancel: cancel}
	s.attempt = a
	go s.acquire(ctx, a)
}

func (s *Session) acquire(ctx context.Context, a *attempt) {
	handle, err := s.provider.Acquire(ctx, s.constraints.clone())
	a.cancel()

	if err == nil {
		handle.OnData(func(art Artifact) { s.deliver(a, art) })
		if !a.aborted.Load() {
			if startErr := handle.Start(); startErr != nil {
				s.release(a, handle)
				err = fmt.Errorf("start capture: %w", startErr)
				handle = nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.aborted.Load() || s.closed {
		s.attempt = nil
		if handle != nil {
			s.release(a, handle)
		}
		log.Printf("capture: attempt %s aborted before the device was ready", a.id)
		s.emitLocked(Event{Type: EventAborted, AttemptID: a.id})
		return
	}

	if err != nil {
		s.attempt = nil
		log.Printf("capture: attempt %s: acquire failed: %v", a.id, err)
		s.emitLocked(Event{Type: EventAcquireFailed, AttemptID: a.id, Err: err})
		return
	}

	a.handle = handle
	s.state = StateRecording
	s.accumulated = 0
	s.startTickerLocked()
	s.emitLocked(Event{Type: EventState, AttemptID: a.id})
}

// release stops a device nobody is going to record from. Its data is
// never forwarded.
func (s *Session) release(a *attempt, handle DeviceHandle) {
	a.released.Store(true)
	a.discard.Store(true)
	a.stopped.Store(true)
	if err := handle.Stop(); err != nil {
		log.Printf("capture: attempt %s: release device: %v", a.id, err)
	}
}

// Pause freezes the elapsed counter and pauses the device. It is a no-op
// unless recording.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return
	}

	s.accumulated += s.clock.Since(s.segmentStart)
	s.stopTickerLocked()
	s.state = StatePaused
	a := s.attempt
	if err := a.handle.Pause(); err != nil {
		s.deviceErrorLocked(a, "pause", err)
	}
	s.emitLocked(Event{Type: EventState, AttemptID: a.id})
}

// Resume continues counting from the frozen value and resumes the device.
// It is a no-op unless paused.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return
	}

	s.state = StateRecording
	s.startTickerLocked()
	a := s.attempt
	if err := a.handle.Resume(); err != nil {
		s.deviceErrorLocked(a, "resume", err)
	}
	s.emitLocked(Event{Type: EventState, AttemptID: a.id})
}

// TogglePause pauses a recording session and resumes a paused one.
func (s *Session) TogglePause() {
	switch s.State() {
	case StateRecording:
		s.Pause()
	case StatePaused:
		s.Resume()
	}
}

// Stop ends the recording. The artifact follows later as an EventArtifact.
// It returns the stopped attempt's ID, or "" if there was nothing to stop.
func (s *Session) Stop() string { return s.finish(false) }

// Cancel tears the recording down like Stop, but marks the artifact
// event as discarded.
func (s *Session) Cancel() string { return s.finish(true) }

func (s *Session) finish(discard bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.attempt
	if a == nil {
		return ""
	}

	if a.handle == nil {
		// Still acquiring: the device is torn down as soon as it arrives.
		if a.aborted.CompareAndSwap(false, true) {
			a.discard.Store(true)
			a.cancel()
			log.Printf("capture: attempt %s: stop requested while acquiring", a.id)
		}
		return a.id
	}

	a.discard.Store(discard)
	a.stopped.Store(true)
	s.stopTickerLocked()
	s.accumulated = 0
	s.state = StateIdle
	s.attempt = nil
	s.emitLocked(Event{Type: EventState, AttemptID: a.id})

	if err := a.handle.Stop(); err != nil {
		s.deviceErrorLocked(a, "stop", err)
	}
	return a.id
}

func (s *Session) deliver(a *attempt, art Artifact) {
	if !a.stopped.Load() {
		log.Printf("capture: attempt %s: device delivered data before stop, ignoring", a.id)
		return
	}
	if !a.delivered.CompareAndSwap(false, true) {
		return
	}
	if a.released.Load() {
		return
	}
	s.dispatch.enqueue(Event{
		Type:      EventArtifact,
		AttemptID: a.id,
		State:     StateIdle,
		Artifact:  &art,
		Discarded: a.discard.Load(),
		Timestamp: s.clock.Now(),
	})
}

func (s *Session) deviceErrorLocked(a *attempt, op string, err error) {
	log.Printf("capture: attempt %s: device %s: %v", a.id, op, err)
	s.emitLocked(Event{Type: EventDeviceError, AttemptID: a.id, Err: fmt.Errorf("%s: %w", op, err)})
}

// emitLocked stamps ev with the current state and queues it.
func (s *Session) emitLocked(ev Event) {
	ev.State = s.state
	ev.Elapsed = s.elapsedLocked()
	ev.Timestamp = s.clock.Now()
	s.dispatch.enqueue(ev)
}

func (s *Session) startTickerLocked() {
	s.segmentStart = s.clock.Now()
	t := s.clock.NewTicker(tickInterval)
	done := make(chan struct{})
	s.ticker = t
	s.tickDone = done
	go s.tickLoop(t, done)
}

func (s *Session) stopTickerLocked() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.tickDone)
	s.ticker = nil
	s.tickDone = nil
}

func (s *Session) tickLoop(t clockwork.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.Chan():
			s.mu.Lock()
			if s.tickDone != done {
				s.mu.Unlock()
				return
			}
			s.emitLocked(Event{Type: EventTick, AttemptID: s.attempt.id})
			s.mu.Unlock()
		}
	}
}

func (s *Session) elapsedLocked() int {
	d := s.accumulated
	if s.state == StateRecording {
		d += s.clock.Since(s.segmentStart)
	}
	return int(d / time.Second)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns the whole seconds spent recording in the current attempt.
func (s *Session) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

// FormattedElapsed returns Elapsed as m:ss.
func (s *Session) FormattedElapsed() string { return FormatElapsed(s.Elapsed()) }

// Snapshot returns the current state, elapsed time and attempt.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, Elapsed: s.elapsedLocked()}
	if s.attempt != nil {
		snap.AttemptID = s.attempt.id
		snap.Acquiring = s.attempt.handle == nil
	}
	return snap
}

// Listen registers fn to receive every event in order. fn runs on the
// session's dispatch goroutine and must not call Close.
func (s *Session) Listen(fn func(Event)) (remove func()) {
	return s.dispatch.add(fn)
}

// fanOut records an event in history and forwards it to subscribers.
// Artifact events carry only metadata here; audio reaches Listen callers
// alone.
func (s *Session) fanOut(ev Event) {
	if ev.Artifact != nil {
		meta := Artifact{MIMEType: ev.Artifact.MIMEType}
		ev.Artifact = &meta
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	s.ringBuf.Write(ev)
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

// Subscribe creates a channel that receives session events, together with
// recent history. Returns the subscription ID for Unsubscribe.
func (s *Session) Subscribe() (string, <-chan Event, []Event, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", nil, nil, fmt.Errorf("session closed")
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// fanOut writes history under subMu, so every event is either in the
	// history or sent on ch, never both.
	s.subMu.Lock()
	history := s.ringBuf.ReadAll()
	s.subscribers[subID] = ch
	s.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Session) Unsubscribe(subID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[subID]; ok {
		close(ch)
		delete(s.subscribers, subID)
	}
}

// Close cancels any active attempt, delivers pending events and closes
// all subscriber channels. The session cannot be started again.
func (s *Session) Close() {
	s.Cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.dispatch.close()

	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
}
