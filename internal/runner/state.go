package runner

import "sync"

// State is a phase of the crawl state machine.
type State string

// Runner states in their forward order; Stopping and Error sit outside it.
const (
	StateIdle             State = "idle"
	StateLaunching        State = "launching"
	StateAuthenticating   State = "authenticating"
	StateEnumerating      State = "enumerating"
	StateFetchingDetails  State = "fetching_details"
	StateFetchingComments State = "fetching_comments"
	StatePersisting       State = "persisting"
	StateFinalizing       State = "finalizing"
	StateStopping         State = "stopping"
	StateError            State = "error"
)

var forwardOrder = map[State]int{
	StateIdle:             0,
	StateLaunching:        1,
	StateAuthenticating:   2,
	StateEnumerating:      3,
	StateFetchingDetails:  4,
	StateFetchingComments: 5,
	StatePersisting:       6,
	StateFinalizing:       7,
}

// Terminal reports whether no further transitions are legal.
func (s State) Terminal() bool {
	return s == StateError
}

// pauseGate holds every worker while a rate-limit pause and cookie refresh
// are in progress.
type pauseGate struct {
	mu       sync.Mutex
	released chan struct{}
}

// close starts a pause. It returns false when one is already running.
func (g *pauseGate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released != nil {
		return false
	}
	g.released = make(chan struct{})
	return true
}

func (g *pauseGate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released != nil {
		close(g.released)
		g.released = nil
	}
}

func (g *pauseGate) wait(done <-chan struct{}) bool {
	g.mu.Lock()
	ch := g.released
	g.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-done:
		return false
	}
}
