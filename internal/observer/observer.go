// Package observer tracks platform connectivity and install-prompt state.
//
// State is advisory and eventually consistent: it changes only when a
// platform event is dispatched, never by polling. A brief offline blip with
// no event in between is not observable, which consumers must tolerate.
package observer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	EventOnline               EventKind = "online"
	EventOffline              EventKind = "offline"
	EventInstallPromptOffered EventKind = "install-prompt-offered"
	EventInstallCompleted     EventKind = "install-completed"
)

type (
	EventKind string

	// Event is the narrow, tagged contract for platform notifications.
	// Payload fields beyond the tag are per-kind and validated on dispatch.
	Event struct {
		Kind      EventKind `json:"kind"`
		Platforms []string  `json:"platforms,omitempty"`
		At        time.Time `json:"at,omitempty"`
	}

	// State holds the three UI-observable booleans.
	State struct {
		Online                 bool `json:"online"`
		InstallPromptAvailable bool `json:"installPromptAvailable"`
		Installed              bool `json:"installed"`
	}

	// InstallPrompt is the captured deferred install prompt, held centrally
	// with explicit get/set/clear instead of process-global mutation.
	InstallPrompt struct {
		Platforms []string  `json:"platforms"`
		OfferedAt time.Time `json:"offeredAt"`
	}
)

type Observer struct {
	mu     sync.Mutex
	state  State
	prompt *InstallPrompt
	subs   map[int]chan State
	nextID int
}

// New creates an observer seeded with the initial platform state.
func New(initial State) *Observer {
	return &Observer{
		state: initial,
		subs:  make(map[int]chan State),
	}
}

// ParseEvent decodes and validates a platform event payload.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Validate() error {
	switch e.Kind {
	case EventOnline, EventOffline, EventInstallCompleted:
		return nil
	case EventInstallPromptOffered:
		if len(e.Platforms) == 0 {
			return fmt.Errorf("install prompt event without platforms")
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// Dispatch applies a platform event to the state and notifies subscribers.
// Unknown kinds are rejected at the boundary.
func (o *Observer) Dispatch(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	o.mu.Lock()
	before := o.state
	switch ev.Kind {
	case EventOnline:
		o.state.Online = true
	case EventOffline:
		o.state.Online = false
	case EventInstallPromptOffered:
		o.state.InstallPromptAvailable = true
		o.prompt = &InstallPrompt{Platforms: ev.Platforms, OfferedAt: ev.At}
	case EventInstallCompleted:
		o.state.Installed = true
		o.state.InstallPromptAvailable = false
		o.prompt = nil
	}
	after := o.state
	o.mu.Unlock()

	if before != after {
		slog.Debug("Platform state changed",
			"kind", string(ev.Kind),
			"online", after.Online,
			"prompt_available", after.InstallPromptAvailable,
			"installed", after.Installed)
		o.notify(after)
	}
	return nil
}

// Snapshot returns the current state.
func (o *Observer) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Online reports the last observed connectivity.
func (o *Observer) Online() bool {
	return o.Snapshot().Online
}

// Prompt returns the captured deferred install prompt, if any.
func (o *Observer) Prompt() (InstallPrompt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.prompt == nil {
		return InstallPrompt{}, false
	}
	return *o.prompt, true
}

// ClearPrompt drops the captured prompt, e.g. after the user dismissed it.
func (o *Observer) ClearPrompt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompt = nil
	o.state.InstallPromptAvailable = false
}

// Subscribe returns a channel receiving state snapshots on every transition
// and a cancel func. Slow subscribers miss intermediate snapshots rather
// than blocking dispatch.
func (o *Observer) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	ch := make(chan State, 1)
	o.subs[id] = ch

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (o *Observer) notify(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- s:
		default:
			// replace the stale pending snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
