package chat

import "sync"

type firstState int

const (
	firstTrue firstState = iota
	// firstInFlight is held between the poll that saw a new live id and the
	// next poll that sees the same id.
	firstInFlight
	firstFalse
)

// Observation is what SessionTracker.Observe tells the caller to do.
type Observation struct {
	// Changed is set when the session id differs from the previous observation.
	Changed bool
	// Reset is set when the change is to a live session: the caller must clear
	// the message store and the hidden ids (see ForceHiddenClear).
	Reset bool
	// ForceHiddenClear is the force argument for HiddenStore.Clear.
	ForceHiddenClear bool
	// FirstReal is set when this is the first live session seen since startup
	// or the last ForceReset.
	FirstReal bool
	// AnnounceTitle is set while the live title should lead the payload.
	AnnounceTitle bool
}

// SessionTracker remembers the current session id and whether the first real
// session has settled.
type SessionTracker struct {
	mu      sync.Mutex
	current SessionID
	first   firstState
}

// NewSessionTracker starts in the never-observed state.
func NewSessionTracker() *SessionTracker { return &SessionTracker{} }

// Observe records id and reports the transition.
func (t *SessionTracker) Observe(id SessionID) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.first
	var obs Observation
	if id != t.current {
		t.current = id
		obs.Changed = true
		if id.IsLive() {
			obs.Reset = true
			obs.ForceHiddenClear = prev != firstTrue
			obs.FirstReal = prev == firstTrue
			t.first = firstInFlight
		}
	} else if prev != firstTrue {
		t.first = firstFalse
	}
	obs.AnnounceTitle = obs.Changed || prev != firstFalse
	return obs
}

// Current returns the last observed session id.
func (t *SessionTracker) Current() SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Settled reports whether the grace cycle after the first live session is over.
func (t *SessionTracker) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first == firstFalse
}

// ForceReset returns the tracker to the never-observed state.
func (t *SessionTracker) ForceReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = SessionID{}
	t.first = firstTrue
}
