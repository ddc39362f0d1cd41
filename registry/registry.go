// Package registry holds the set of connected relay clients.
//
// Every mutation and every snapshot is taken under one lock, so callers never
// observe an entry with some fields updated and others not.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// Returned when an added ID already exists in the registry.
var ErrCollision = errors.New("client id already registered")

// Returned when a requested client does not exist in the registry.
var ErrMissing = errors.New("client does not exist")

// Returned when a client is added without a transport.
var ErrNil = errors.New("client conn must not be nil")

type entry struct {
	client Client
	conn   Conn
}

func (e *entry) member() Member {
	return Member{Client: e.client, Conn: e.conn}
}

// Registry is the authoritative set of connected clients, keyed by
// connection ID.
type Registry struct {
	sync.RWMutex
	lookup map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		lookup: map[string]*entry{},
	}
}

// Len returns the number of registered clients right now.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.lookup)
}

// Add registers a client if its ID is not taken already.
func (r *Registry) Add(c Client, conn Conn) error {
	if conn == nil {
		return ErrNil
	}
	if c.Name == "" {
		c.Name = Unknown
	}

	r.Lock()
	defer r.Unlock()

	if _, found := r.lookup[c.ID]; found {
		return ErrCollision
	}
	r.lookup[c.ID] = &entry{client: c, conn: conn}
	return nil
}

// Remove drops a client and returns what was registered for it. The caller
// owns the returned Conn.
func (r *Registry) Remove(id string) (Member, error) {
	r.Lock()
	defer r.Unlock()

	e, found := r.lookup[id]
	if !found {
		return Member{}, ErrMissing
	}
	delete(r.lookup, id)
	return e.member(), nil
}

// Get returns the client with the given ID.
func (r *Registry) Get(id string) (Member, bool) {
	r.RLock()
	defer r.RUnlock()

	e, ok := r.lookup[id]
	if !ok {
		return Member{}, false
	}
	return e.member(), true
}

// Rename sets the inferred username of a client.
func (r *Registry) Rename(id, name string) error {
	r.Lock()
	defer r.Unlock()

	e, ok := r.lookup[id]
	if !ok {
		return ErrMissing
	}
	e.client.Name = name
	return nil
}

// SetOnline updates the liveness flag and reports whether it changed.
func (r *Registry) SetOnline(id string, online bool) (bool, error) {
	r.Lock()
	defer r.Unlock()

	e, ok := r.lookup[id]
	if !ok {
		return false, ErrMissing
	}
	changed := e.client.Online != online
	e.client.Online = online
	return changed, nil
}

// Members returns a snapshot of every client for which skip is false. A nil
// skip selects everyone.
func (r *Registry) Members(skip func(Client) bool) []Member {
	r.RLock()
	members := make([]Member, 0, len(r.lookup))
	for _, e := range r.lookup {
		if skip != nil && skip(e.client) {
			continue
		}
		members = append(members, e.member())
	}
	r.RUnlock()

	sortMembers(members)
	return members
}

// ByHost returns a snapshot of every client connected from host.
func (r *Registry) ByHost(host string) []Member {
	return r.Members(func(c Client) bool {
		return c.Host != host
	})
}

// List returns a copy of every client, oldest first.
func (r *Registry) List() []Client {
	members := r.Members(nil)
	clients := make([]Client, len(members))
	for i, m := range members {
		clients[i] = m.Client
	}
	return clients
}

// Clear removes all clients and returns them so the caller can close their
// transports.
func (r *Registry) Clear() []Member {
	r.Lock()
	members := make([]Member, 0, len(r.lookup))
	for _, e := range r.lookup {
		members = append(members, e.member())
	}
	r.lookup = map[string]*entry{}
	r.Unlock()

	sortMembers(members)
	return members
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i].Client, members[j].Client
		if !a.Joined.Equal(b.Joined) {
			return a.Joined.Before(b.Joined)
		}
		return a.ID < b.ID
	})
}
