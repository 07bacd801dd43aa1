// Package targets implements the Target & Session Manager (spec §4.5,
// C5): it tracks every known browser tab (Target) and every CDP
// attachment to one (Session), and is the single source of truth both
// Devtools auto-attach and Native tab-event subscribers read from.
//
// Grounded on the retrieved webmcp.Bridge reference file's
// activeTarget/sessionID tracking (a single-target simplification of the
// same idea) and on the target-event state switch in the retrieved
// ajsharma/browser_tail cdp manager.go (EventTargetCreated /
// EventTargetDestroyed / EventTargetInfoChanged), generalized here to
// multiple concurrently attached targets and explicit lifecycle states.
package targets

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brop-dev/bridge/internal/bridgeerr"
	"github.com/brop-dev/bridge/internal/wire"
)

// State is a Target's position in its lifecycle (spec §3: "Discovered ->
// Attached* -> Detached -> Destroyed").
type State int

const (
	StateDiscovered State = iota
	StateAttached
	StateDetached
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Target is one browser tab/page as known to the bridge.
type Target struct {
	ID               string
	Type             string
	Title            string
	URL              string
	BrowserContextID string
	State            State
	SessionIDs       []string // every session currently attached to this target
	UpdatedAt        time.Time
}

// Session is one CDP attachment between a client and a Target. Sessions
// are identified by a UUID v4 (spec §4.5, §8) rather than an incrementing
// counter, so ids never collide across reconnects of the extension link.
type Session struct {
	ID        string
	TargetID  string
	ClientID  string
	CreatedAt time.Time
}

// Manager owns all Target and Session state. Every method takes its own
// lock; callers never see the underlying maps (spec §5: "single-owner
// state, not lock-free sharing").
type Manager struct {
	mu       sync.RWMutex
	targets  map[string]*Target
	sessions map[string]*Session
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		targets:  make(map[string]*Target),
		sessions: make(map[string]*Session),
	}
}

// Upsert records a discovered or updated target (CDP Target.targetCreated
// / Target.targetInfoChanged, or the extension's native tab events). It
// returns the stored Target and whether this call created it.
func (m *Manager) Upsert(info wire.TargetInfo) (*Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.targets[info.TargetID]
	if !exists {
		t = &Target{ID: info.TargetID, State: StateDiscovered}
		m.targets[info.TargetID] = t
	}
	t.Type = info.Type
	t.Title = info.Title
	t.URL = info.URL
	t.BrowserContextID = info.BrowserContextID
	t.UpdatedAt = time.Now()
	return t, !exists
}

// Destroy marks a target destroyed (CDP Target.targetDestroyed) and
// detaches every session still attached to it, returning the detached
// sessions (not just their ids) so the caller can identify each session's
// owning client and emit detachedFromTarget to it.
func (m *Manager) Destroy(targetID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[targetID]
	if !ok {
		return nil
	}
	detached := make([]*Session, 0, len(t.SessionIDs))
	for _, sid := range t.SessionIDs {
		if s, ok := m.sessions[sid]; ok {
			detached = append(detached, s)
			delete(m.sessions, sid)
		}
	}
	t.SessionIDs = nil
	t.State = StateDestroyed
	t.UpdatedAt = time.Now()
	return detached
}

// Attach attaches clientID to targetID, returning a Session. Attach is
// idempotent per the spec §4.5/§8 tie-break, scoped to the (client,
// target) pair: a second attach by the SAME client to the SAME target
// returns the first call's session; a different client attaching to the
// same target always gets its own session.
func (m *Manager) Attach(clientID, targetID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[targetID]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.TargetNotFound, "no target with id %s", targetID)
	}
	if t.State == StateDestroyed {
		return nil, bridgeerr.New(bridgeerr.TargetNotFound, "target %s has been destroyed", targetID)
	}
	for _, sid := range t.SessionIDs {
		if s, ok := m.sessions[sid]; ok && s.ClientID == clientID {
			return s, nil
		}
	}

	s := &Session{ID: uuid.NewString(), TargetID: targetID, ClientID: clientID, CreatedAt: time.Now()}
	m.sessions[s.ID] = s
	t.SessionIDs = append(t.SessionIDs, s.ID)
	t.State = StateAttached
	t.UpdatedAt = time.Now()
	return s, nil
}

// Detach ends sessionID's attachment (Target.detachFromTarget or a
// Devtools client disconnecting). Target destruction detaches its
// sessions through Destroy, not through Detach.
func (m *Manager) Detach(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, bridgeerr.New(bridgeerr.SessionNotFound, "no session with id %s", sessionID)
	}
	delete(m.sessions, sessionID)

	if t, ok := m.targets[s.TargetID]; ok {
		t.SessionIDs = removeID(t.SessionIDs, sessionID)
		if len(t.SessionIDs) == 0 {
			t.State = StateDetached
		}
		t.UpdatedAt = time.Now()
	}
	return s, nil
}

// Session looks up a Session by id.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Target looks up a Target by id.
func (m *Manager) Target(targetID string) (*Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[targetID]
	return t, ok
}

// SessionsForClient returns every session id clientID currently holds, on
// any target. Used to detach a Devtools client's sessions on disconnect.
func (m *Manager) SessionsForClient(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, s := range m.sessions {
		if s.ClientID == clientID {
			out = append(out, id)
		}
	}
	return out
}

// List returns a snapshot of every known target, discovered or not yet
// destroyed.
func (m *Manager) List() []Target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		if t.State == StateDestroyed {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// tabNotice is the shape of a tab-lifecycle notification in native
// vocabulary (method == event type, e.g. "tab_activated").
type tabNotice struct {
	TabID string `json:"tabId"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// TranslateUpstreamEvent interprets one event frame received from the
// extension, updates Manager state where relevant, and returns the
// Native tab-lifecycle event it corresponds to. The extension may speak
// either CDP Target.* vocabulary (handled by updating Target state
// directly, per the retrieved cdp manager.go event switch) or native
// tab_* vocabulary (params already shaped like wire.NativeEvent); both
// are accepted since the extension-side wire format is the bridge's own
// design choice, not an external standard. Returns (nil, nil, nil) for
// events this manager doesn't translate into a tab-lifecycle
// notification. The second return value carries the sessions detached by
// a Target.targetDestroyed, since that state is gone from the Manager by
// the time the caller can react to it otherwise.
func (m *Manager) TranslateUpstreamEvent(method string, params json.RawMessage) (*wire.NativeEvent, []*Session, error) {
	switch method {
	case "Target.targetCreated":
		var p wire.TargetCreatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nil, bridgeerr.Wrap(bridgeerr.Malformed, err)
		}
		m.Upsert(p.TargetInfo)
		return &wire.NativeEvent{EventType: wire.EventTabCreated, TabID: p.TargetInfo.TargetID, URL: p.TargetInfo.URL, Title: p.TargetInfo.Title}, nil, nil

	case "Target.targetInfoChanged":
		var p wire.TargetInfoChangedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nil, bridgeerr.Wrap(bridgeerr.Malformed, err)
		}
		m.Upsert(p.TargetInfo)
		return &wire.NativeEvent{EventType: wire.EventTabUpdated, TabID: p.TargetInfo.TargetID, URL: p.TargetInfo.URL, Title: p.TargetInfo.Title}, nil, nil

	case "Target.targetDestroyed":
		var p wire.TargetDestroyedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nil, bridgeerr.Wrap(bridgeerr.Malformed, err)
		}
		detached := m.Destroy(p.TargetID)
		return &wire.NativeEvent{EventType: wire.EventTabClosed, TabID: p.TargetID}, detached, nil

	case wire.EventTabCreated, wire.EventTabClosed, wire.EventTabRemoved, wire.EventTabUpdated, wire.EventTabActivated:
		var p tabNotice
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nil, bridgeerr.Wrap(bridgeerr.Malformed, err)
		}
		return &wire.NativeEvent{EventType: method, TabID: p.TabID, URL: p.URL, Title: p.Title}, nil, nil

	default:
		return nil, nil, nil
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
