package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itbasis/go-clock"
)

// Binding ties a user to the connection that most recently spoke for them.
type Binding struct {
	ConnID   string
	LastSeen time.Time
}

// Registry maps users to their live connection. Last writer wins: binding a
// user from a new connection replaces the previous mapping.
type Registry struct {
	mu       sync.RWMutex
	clock    clock.Clock
	bindings map[uuid.UUID]Binding
}

// NewRegistry creates an empty registry. A nil clock uses wall time.
func NewRegistry(c clock.Clock) *Registry {
	if c == nil {
		c = clock.New()
	}
	return &Registry{
		clock:    c,
		bindings: make(map[uuid.UUID]Binding),
	}
}

// Bind maps userID to connID.
func (r *Registry) Bind(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[userID] = Binding{ConnID: connID, LastSeen: r.clock.Now()}
}

// Lookup returns the connection currently bound to userID.
func (r *Registry) Lookup(userID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[userID]
	return b.ConnID, ok
}

// Unbind drops the user's mapping regardless of connection.
func (r *Registry) Unbind(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, userID)
}

// Touch refreshes the binding when userID is still bound to connID.
func (r *Registry) Touch(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bindings[userID]; ok && b.ConnID == connID {
		b.LastSeen = r.clock.Now()
		r.bindings[userID] = b
	}
}

// ExpireIdle removes and returns every user not seen within timeout.
func (r *Registry) ExpireIdle(timeout time.Duration) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-timeout)
	var expired []uuid.UUID
	for userID, b := range r.bindings {
		if b.LastSeen.Before(cutoff) {
			expired = append(expired, userID)
			delete(r.bindings, userID)
		}
	}
	return expired
}

// Len returns the number of bound users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
