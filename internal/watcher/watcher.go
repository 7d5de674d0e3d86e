// Package watcher reports capture device hot-plug by watching the sound
// device directory.
package watcher

import (
	"log"
	"sync"
	"time"

	"audio-recorder/internal/device"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called with the full device list whenever it changes.
type UpdateCallback func(devices []device.Device)

// Watcher monitors a device directory for capture devices coming and going.
type Watcher struct {
	mu       sync.RWMutex
	dir      string
	callback UpdateCallback
	debounce time.Duration

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	last      []device.Device
	running   bool
}

// New creates a watcher for dir. Call Watch to start it.
func New(dir string, callback UpdateCallback) *Watcher {
	if dir == "" {
		dir = device.DefaultDeviceDir
	}
	return &Watcher{
		dir:      dir,
		callback: callback,
		debounce: debounceInterval,
	}
}

// Watch starts watching and reports the initial device list.
func (w *Watcher) Watch() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsW.Add(w.dir); err != nil {
		fsW.Close()
		w.mu.Unlock()
		return err
	}

	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	go w.watchLoop(fsW, w.cancel, w.done)

	// Compute the initial list.
	go w.rescan()

	return nil
}

// Devices returns the most recently reported device list.
func (w *Watcher) Devices() []device.Device {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]device.Device, len(w.last))
	copy(out, w.last)
	return out
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher, cancel, done chan struct{}) {
	defer close(done)
	var timer *time.Timer

	for {
		select {
		case <-cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.rescan)

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error for %s: %v", w.dir, err)
		}
	}
}

// rescan lists devices and notifies if the list changed.
func (w *Watcher) rescan() {
	devices, err := device.ListCaptureDevices(w.dir)
	if err != nil {
		log.Printf("watcher: list devices in %s: %v", w.dir, err)
		return
	}

	w.mu.Lock()
	if w.last != nil && device.Equal(w.last, devices) {
		w.mu.Unlock()
		return
	}
	w.last = devices
	w.mu.Unlock()

	if w.callback != nil {
		w.callback(devices)
	}
}

// Shutdown stops watching.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done, fsW := w.cancel, w.done, w.fsWatcher
	w.mu.Unlock()

	close(cancel)
	fsW.Close()
	<-done
}
