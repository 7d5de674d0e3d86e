// Package recorder is the control surface over a capture session: start,
// stop with a save-or-discard decision, and pause toggling. Finished
// recordings are handed to a completion callback only when they were
// stopped with the intent to save.
package recorder

import (
	"context"
	"errors"
	"log"
	"sync"

	"audio-recorder/internal/capture"

	"github.com/jonboulle/clockwork"
)

// Controls is the capability set the recorder drives. *capture.Session
// implements it.
type Controls interface {
	Start(ctx context.Context)
	Pause()
	Resume()
	TogglePause()
	Stop() string
	Cancel() string
	Snapshot() capture.Snapshot
	Listen(fn func(capture.Event)) (remove func())
	Subscribe() (string, <-chan capture.Event, []capture.Event, error)
	Unsubscribe(subID string)
}

// Options configures a Recorder.
type Options struct {
	// Controls, when set, is used as-is and Provider, Constraints and
	// Clock are ignored. The recorder does not close external controls.
	Controls Controls

	Provider    capture.Provider
	Constraints capture.Constraints
	Clock       clockwork.Clock

	// OnComplete receives each saved recording exactly once.
	OnComplete func(capture.Artifact)
	// OnAcquireFailed receives device acquisition errors.
	OnAcquireFailed func(error)
}

// ErrNoProvider is returned by New when neither Controls nor Provider is set.
var ErrNoProvider = errors.New("recorder: controls or provider required")

// Recorder owns or borrows a capture session and gates artifact delivery.
type Recorder struct {
	controls        Controls
	owned           *capture.Session
	onComplete      func(capture.Artifact)
	onAcquireFailed func(error)
	removeListener  func()

	mu          sync.Mutex
	intents     map[string]bool // attemptID -> save
	lastAttempt string
}

// New creates a recorder from opts.
func New(opts Options) (*Recorder, error) {
	r := &Recorder{
		onComplete:      opts.OnComplete,
		onAcquireFailed: opts.OnAcquireFailed,
		intents:         make(map[string]bool),
	}

	switch {
	case opts.Controls != nil:
		r.controls = opts.Controls
	case opts.Provider != nil:
		r.owned = capture.New(opts.Provider, opts.Constraints, opts.Clock)
		r.controls = r.owned
	default:
		return nil, ErrNoProvider
	}

	r.removeListener = r.controls.Listen(r.handleEvent)
	return r, nil
}

// Controls returns the session the recorder drives.
func (r *Recorder) Controls() Controls { return r.controls }

// StartRecording begins a recording. It is a no-op while one is active.
func (r *Recorder) StartRecording(ctx context.Context) {
	r.controls.Start(ctx)
}

// RequestStop ends the current recording. With save set the artifact is
// forwarded to OnComplete when the device delivers it; otherwise it is
// dropped.
func (r *Recorder) RequestStop(save bool) {
	// Hold mu across the stop so the artifact handler cannot look up the
	// intent before it is recorded.
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	if save {
		id = r.controls.Stop()
	} else {
		id = r.controls.Cancel()
	}
	if id != "" {
		r.intents[id] = save
	}
}

// Save stops the recording and keeps the artifact.
func (r *Recorder) Save() { r.RequestStop(true) }

// Cancel stops the recording and discards the artifact.
func (r *Recorder) Cancel() { r.RequestStop(false) }

// TogglePauseResume pauses a recording, or resumes a paused one.
func (r *Recorder) TogglePauseResume() {
	r.controls.TogglePause()
}

// Snapshot reports the session state.
func (r *Recorder) Snapshot() capture.Snapshot {
	return r.controls.Snapshot()
}

// Listen registers fn for every session event.
func (r *Recorder) Listen(fn func(capture.Event)) (remove func()) {
	return r.controls.Listen(fn)
}

// Subscribe forwards to the session's subscriber fan-out.
func (r *Recorder) Subscribe() (string, <-chan capture.Event, []capture.Event, error) {
	return r.controls.Subscribe()
}

// Unsubscribe forwards to the session.
func (r *Recorder) Unsubscribe(subID string) {
	r.controls.Unsubscribe(subID)
}

func (r *Recorder) handleEvent(ev capture.Event) {
	switch ev.Type {
	case capture.EventState:
		if ev.State != capture.StateRecording {
			return
		}
		r.mu.Lock()
		if ev.AttemptID != r.lastAttempt {
			// A device that never delivered leaves its intent behind. The
			// session's discard flag still decides if its data shows up.
			r.lastAttempt = ev.AttemptID
			for id := range r.intents {
				delete(r.intents, id)
			}
		}
		r.mu.Unlock()

	case capture.EventArtifact:
		r.mu.Lock()
		save, ok := r.intents[ev.AttemptID]
		delete(r.intents, ev.AttemptID)
		r.mu.Unlock()

		if !ok {
			// Stopped directly on the controls; trust the session's own flag.
			save = !ev.Discarded
		}
		if !save {
			log.Printf("recorder: attempt %s discarded (%d bytes)", ev.AttemptID, ev.Artifact.Size())
			return
		}
		if r.onComplete != nil {
			r.onComplete(*ev.Artifact)
		}

	case capture.EventAborted:
		r.mu.Lock()
		delete(r.intents, ev.AttemptID)
		r.mu.Unlock()

	case capture.EventAcquireFailed:
		if r.onAcquireFailed != nil {
			r.onAcquireFailed(ev.Err)
		}
	}
}

// Close detaches from the session and, if the recorder created it, cancels
// any recording and closes it.
func (r *Recorder) Close() {
	r.removeListener()
	if r.owned != nil {
		r.owned.Close()
	}
}
