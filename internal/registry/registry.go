// Package registry maps terminal clients to the session they are attached
// to, and sessions to their attached clients.
//
// The registry only keeps its maps consistent. Ordering between fan-out and
// attach/detach for a given session comes from the caller serializing those
// calls per session.
package registry

import "sync"

// Client is anything attachable, identified by a unique id.
type Client interface {
	ClientID() string
}

type Registry struct {
	mu       sync.RWMutex
	bySess   map[string][]Client
	byClient map[string]string
}

func New() *Registry {
	return &Registry{
		bySess:   make(map[string][]Client),
		byClient: make(map[string]string),
	}
}

// Attach binds c to sessionID. A client attached elsewhere is moved; a
// client already attached to sessionID is left in place.
func (r *Registry) Attach(c Client, sessionID string) {
	id := c.ClientID()
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byClient[id]; ok {
		if prev == sessionID {
			return
		}
		r.unlink(id, prev)
	}
	r.byClient[id] = sessionID
	r.bySess[sessionID] = append(r.bySess[sessionID], c)
}

// Detach removes the client. last reports whether it was the final client of
// its session; the session itself is not affected either way.
func (r *Registry) Detach(clientID string) (sessionID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.byClient[clientID]
	if !ok {
		return "", false
	}
	r.unlink(clientID, sessionID)
	_, still := r.bySess[sessionID]
	return sessionID, !still
}

func (r *Registry) unlink(clientID, sessionID string) {
	delete(r.byClient, clientID)
	list := r.bySess[sessionID]
	for i, c := range list {
		if c.ClientID() == clientID {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.bySess, sessionID)
	} else {
		r.bySess[sessionID] = list
	}
}

// Clients returns a snapshot of the session's clients in attach order.
func (r *Registry) Clients(sessionID string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bySess[sessionID]
	if len(list) == 0 {
		return nil
	}
	out := make([]Client, len(list))
	copy(out, list)
	return out
}

func (r *Registry) SessionOf(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byClient[clientID]
	return s, ok
}

// Clear detaches every client of sessionID and returns them.
func (r *Registry) Clear(sessionID string) []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.bySess[sessionID]
	delete(r.bySess, sessionID)
	for _, c := range list {
		delete(r.byClient, c.ClientID())
	}
	return list
}

// Count returns the number of attached clients, optionally for one session.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessionID == "" {
		return len(r.byClient)
	}
	return len(r.bySess[sessionID])
}

// Sessions returns the ids of sessions with at least one client.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySess))
	for id := range r.bySess {
		out = append(out, id)
	}
	return out
}
