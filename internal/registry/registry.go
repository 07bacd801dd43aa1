// Package registry implements the bridge's Request Registry (spec §4.1):
// it allocates globally unique upstream ids and correlates upstream
// responses back to the client that originated them, regardless of how
// that client numbers its own requests.
//
// Grounded on the teacher's map+RWMutex+narrow-operations client registry
// shape (cmd/dev-console/client_registry.go) and on the pending-call map
// pattern in the retrieved webmcp.Bridge reference file
// (pendingCalls map[int64]chan json.RawMessage).
package registry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brop-dev/bridge/internal/bridgeerr"
)

// DefaultTimeout is the request deadline used when callers don't set one
// explicitly (spec §3, §5).
const DefaultTimeout = 15 * time.Second

// PendingRequest is a request forwarded upstream whose response has not
// yet returned (spec §3).
type PendingRequest struct {
	UpstreamID  int64
	ClientID    string
	ClientMsgID json.RawMessage // opaque: string or number, preserved verbatim
	Method      string
	SessionID   string // CDP only; empty for Native requests
	CreatedAt   time.Time
	Deadline    time.Time
}

// Registry correlates upstream ids to the client that is waiting on them.
// All mutation goes through its own methods; the map is never exposed.
type Registry struct {
	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]*PendingRequest
	closed  bool
}

// New creates an empty Registry. Upstream ids start at 1 (spec §4.1).
func New() *Registry {
	return &Registry{
		pending: make(map[int64]*PendingRequest),
	}
}

// Register allocates a new upstream id for a client request and records a
// PendingRequest for it. Fails with bridgeerr.LinkDown if the registry has
// been shut down.
func (r *Registry) Register(clientID string, clientMsgID json.RawMessage, method, sessionID string, deadline time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, bridgeerr.New(bridgeerr.LinkDown, "registry is shutting down")
	}

	id := r.nextID.Add(1)
	r.pending[id] = &PendingRequest{
		UpstreamID:  id,
		ClientID:    clientID,
		ClientMsgID: clientMsgID,
		Method:      method,
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
		Deadline:    deadline,
	}
	return id, nil
}

// Complete removes and returns the PendingRequest for upstreamID, if any.
// A second call for the same id returns (nil, false) — the entry is gone
// the moment it is delivered, which is what makes a late duplicate
// response a silent no-op (spec §8).
func (r *Registry) Complete(upstreamID int64) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pr, ok := r.pending[upstreamID]
	if !ok {
		return nil, false
	}
	delete(r.pending, upstreamID)
	return pr, true
}

// ForgetClient removes every pending entry originated by clientID, e.g. on
// client disconnect (spec §3: "in-flight requests attributed to it are
// abandoned").
func (r *Registry) ForgetClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, pr := range r.pending {
		if pr.ClientID == clientID {
			delete(r.pending, id)
		}
	}
}

// Reap removes every entry whose deadline has passed as of now and
// returns them so the caller can synthesize Timeout errors for their
// originating clients.
func (r *Registry) Reap(now time.Time) []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*PendingRequest
	for id, pr := range r.pending {
		if !pr.Deadline.IsZero() && now.After(pr.Deadline) {
			expired = append(expired, pr)
			delete(r.pending, id)
		}
	}
	return expired
}

// FailAllWithLinkDown removes every pending entry and returns them so the
// caller can fail each one with LinkDown. The Extension Link does not call
// it when its connection closes; entries in flight at that moment stay
// pending until a response arrives or Reap times them out.
func (r *Registry) FailAllWithLinkDown() []*PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*PendingRequest, 0, len(r.pending))
	for id, pr := range r.pending {
		all = append(all, pr)
		delete(r.pending, id)
	}
	return all
}

// Shutdown marks the registry as shutting down; subsequent Register calls
// fail fast.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Len reports the number of pending requests. Intended for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
