package event

import (
	"fmt"
	"log/slog"
)

// Unsupported is an event that exists on the API surface but is never wired up
// in the current environment. Subscribing is accepted and logged; nothing is
// ever delivered.
type Unsupported struct {
	name string
}

// NewUnsupported creates the inert event for the given API name, e.g.
// "chrome.runtime.onInstalled".
func NewUnsupported(name string) *Unsupported {
	return &Unsupported{name: name}
}

// Name returns the API name of the event.
func (u *Unsupported) Name() string {
	return u.name
}

// AddListener logs the unsupported subscription and returns the zero id.
func (u *Unsupported) AddListener(Listener) ListenerID {
	slog.Warn(fmt.Sprintf("%s - %s is not supported at this time", logPrefix, u.name))
	return 0
}

// RemoveListener is a no-op.
func (u *Unsupported) RemoveListener(ListenerID) {}

// HasListener always reports false.
func (u *Unsupported) HasListener(ListenerID) bool {
	return false
}

// HasListeners always reports false.
func (u *Unsupported) HasListeners() bool {
	return false
}

var (
	_ Subscriber = (*Event)(nil)
	_ Subscriber = (*Unsupported)(nil)
)
