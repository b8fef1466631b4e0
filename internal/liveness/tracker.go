// Package liveness tracks when each configured device last reported.
//
// A Tracker is owned by a single goroutine (the ingestion loop) and is not
// safe for concurrent use.
package liveness

import (
	"errors"
	"time"
)

var (
	// ErrUnknownDevice is returned by Touch for a device that is not tracked.
	ErrUnknownDevice = errors.New("liveness: unknown device")

	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("liveness: tracker already initialized")
)

// Tracker maps each tracked device friendly name to its last-seen time
type Tracker struct {
	lastSeen map[string]time.Time
	// order keeps configuration order so StaleDevices is deterministic
	order       []string
	initialized bool
}

// New creates an empty tracker; call Initialize before use
func New() *Tracker {
	return &Tracker{lastSeen: make(map[string]time.Time)}
}

// Initialize creates one entry per distinct device name with last-seen set to now
func (t *Tracker) Initialize(names []string, now time.Time) error {
	if t.initialized {
		return ErrAlreadyInitialized
	}

	for _, name := range names {
		if _, ok := t.lastSeen[name]; ok {
			continue
		}
		t.lastSeen[name] = now
		t.order = append(t.order, name)
	}
	t.initialized = true

	return nil
}

// Touch marks the device as seen at now
func (t *Tracker) Touch(name string, now time.Time) error {
	if _, ok := t.lastSeen[name]; !ok {
		return ErrUnknownDevice
	}
	t.lastSeen[name] = now
	return nil
}

// StaleDevices returns every device not seen for strictly longer than threshold.
// It does not update last-seen; callers Touch a device after backfilling it.
func (t *Tracker) StaleDevices(now time.Time, threshold time.Duration) []string {
	var stale []string
	for _, name := range t.order {
		if now.Sub(t.lastSeen[name]) > threshold {
			stale = append(stale, name)
		}
	}
	return stale
}

// LastSeen returns the last-seen time of a tracked device
func (t *Tracker) LastSeen(name string) (time.Time, bool) {
	ts, ok := t.lastSeen[name]
	return ts, ok
}

// Len returns the number of tracked devices
func (t *Tracker) Len() int {
	return len(t.order)
}
