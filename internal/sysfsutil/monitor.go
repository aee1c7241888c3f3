package sysfsutil

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// AttrMonitor watches a single sysfs attribute file for externally-driven
// changes (a hotkey, firmware policy, or another process writing the same
// knob) and delivers a pulse on Changed() each time. Its handle must
// outlive any event it has already delivered: callers read Changed() from
// their own event-loop goroutine and call Close() only once they are done
// observing it.
type AttrMonitor struct {
	watcher *fsnotify.Watcher
	changed chan struct{}
	done    chan struct{}
}

// MonitorAttr starts watching the named attribute under deviceSysfsPath.
func MonitorAttr(deviceSysfsPath, attribute string) (*AttrMonitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create attribute watcher: %w", err)
	}
	path := filepath.Join(deviceSysfsPath, attribute)
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	m := &AttrMonitor{
		watcher: w,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m, nil
}

func (m *AttrMonitor) loop() {
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			select {
			case m.changed <- struct{}{}:
			default:
				// A pulse is already pending; the consumer will re-stat the
				// attribute when it drains it, so coalescing is safe.
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.done:
			return
		}
	}
}

// Changed delivers a pulse (possibly coalesced) whenever the watched
// attribute is written.
func (m *AttrMonitor) Changed() <-chan struct{} {
	return m.changed
}

// Close stops the watch and releases the underlying inotify descriptor.
func (m *AttrMonitor) Close() error {
	close(m.done)
	return m.watcher.Close()
}
