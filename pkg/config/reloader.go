// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is emitted by HotReloader after every reload attempt.
type Change struct {
	// Settings is the merged configuration after a successful reload.
	Settings map[string]interface{}
	// Err is set when the reload failed; the previous settings remain active.
	Err error
	// At is when the reload happened.
	At time.Time
}

// HotReloader watches the manager's configuration files and reloads on change.
// Events for the same burst of writes are coalesced by the debounce interval.
type HotReloader struct {
	manager  *Manager
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	events  chan Change
	done    chan struct{}
	running bool
}

// NewHotReloader creates a reloader for manager. A non-positive debounce defaults to 500ms.
func NewHotReloader(manager *Manager, debounce time.Duration) *HotReloader {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &HotReloader{
		manager:  manager,
		debounce: debounce,
		events:   make(chan Change, 8),
	}
}

// Events returns the channel of reload results. It is closed by Stop.
func (r *HotReloader) Events() <-chan Change {
	return r.events
}

// Start begins watching the configuration directory.
func (r *HotReloader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.manager == nil {
		return errors.New("config manager is nil")
	}
	if r.running {
		return errors.New("hot reloader already running")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files via rename, which drops file-level watches.
	if err := w.Add(r.manager.Options().WorkDir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", r.manager.Options().WorkDir, err)
	}

	r.watcher = w
	r.done = make(chan struct{})
	r.running = true
	go r.loop(w, r.done)
	return nil
}

// Stop stops watching and closes the events channel.
func (r *HotReloader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	close(r.done)
	return r.watcher.Close()
}

func (r *HotReloader) loop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(r.events)

	watched := make(map[string]struct{})
	for _, f := range r.manager.WatchedFiles() {
		watched[filepath.Clean(f)] = struct{}{}
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if _, ok := watched[filepath.Clean(ev.Name)]; !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			change := Change{At: time.Now()}
			if err := r.manager.Reload(); err != nil {
				change.Err = err
			} else {
				change.Settings = r.manager.AllSettings()
			}
			select {
			case r.events <- change:
			case <-done:
				return
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			select {
			case r.events <- Change{Err: err, At: time.Now()}:
			case <-done:
				return
			}

		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
