// Package storage provides the in-memory registry of inbounds and users
// with the membership edges between them. It has no persistence by
// contract: on process restart the store is empty, to be re-seeded by
// the controller's next RepopulateUsers call.
package storage

import (
	"sync"

	"github.com/marzneshin/marznode/model"
)

// Storage is the registry interface injected into the supervisor and
// every engine adapter. All methods are logically atomic.
type Storage interface {
	RegisterInbound(i model.Inbound)
	RemoveInbound(tag string)
	ListInbounds(tags ...string) []model.Inbound
	ListUsers() []model.User
	GetUser(id uint64) (model.User, bool)
	ListInboundUsers(tag string) []model.User
	UpdateUserInbounds(user model.User, inbounds []model.Inbound)
	RemoveUser(id uint64)
	FlushUsers()
}

// Memory is the process-wide in-memory Storage implementation. The zero
// value is not usable; construct with NewMemory.
type Memory struct {
	mu sync.RWMutex

	inbounds map[string]model.Inbound
	users    map[uint64]model.User
	// edges maps inbound tag -> set of user ids with an edge to it, kept
	// in lockstep with users[*].Inbounds for O(1) ListInboundUsers.
	edges map[string]map[uint64]struct{}
}

// NewMemory constructs an empty in-memory Storage.
func NewMemory() *Memory {
	return &Memory{
		inbounds: make(map[string]model.Inbound),
		users:    make(map[uint64]model.User),
		edges:    make(map[string]map[uint64]struct{}),
	}
}

// RegisterInbound is an idempotent overwrite keyed by i.Tag.
func (m *Memory) RegisterInbound(i model.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbounds[i.Tag] = i
	if _, ok := m.edges[i.Tag]; !ok {
		m.edges[i.Tag] = make(map[uint64]struct{})
	}
}

// RemoveInbound removes the inbound and drops any user->inbound edges
// pointing to it.
func (m *Memory) RemoveInbound(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inbounds, tag)
	for uid := range m.edges[tag] {
		if u, ok := m.users[uid]; ok {
			delete(u.Inbounds, tag)
			m.users[uid] = u
		}
	}
	delete(m.edges, tag)
}

// ListInbounds returns all known inbounds, or those whose tag is in tags
// when tags is non-empty. Unknown tags are silently skipped.
func (m *Memory) ListInbounds(tags ...string) []model.Inbound {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(tags) == 0 {
		out := make([]model.Inbound, 0, len(m.inbounds))
		for _, i := range m.inbounds {
			out = append(out, i)
		}
		return out
	}

	out := make([]model.Inbound, 0, len(tags))
	for _, tag := range tags {
		if i, ok := m.inbounds[tag]; ok {
			out = append(out, i)
		}
	}
	return out
}

// ListUsers returns all known users.
func (m *Memory) ListUsers() []model.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	return out
}

// GetUser returns the user with the given id, or ok=false if absent.
func (m *Memory) GetUser(id uint64) (model.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, false
	}
	return cloneUser(u), true
}

// ListInboundUsers returns the users with an edge to the given tag.
func (m *Memory) ListInboundUsers(tag string) []model.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.edges[tag]
	out := make([]model.User, 0, len(ids))
	for uid := range ids {
		if u, ok := m.users[uid]; ok {
			out = append(out, cloneUser(u))
		}
	}
	return out
}

// UpdateUserInbounds creates or replaces user and sets its inbound set
// atomically, keeping the tag->users edge index in sync.
func (m *Memory) UpdateUserInbounds(user model.User, inbounds []model.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop this user from every edge it previously held.
	if old, ok := m.users[user.ID]; ok {
		for tag := range old.Inbounds {
			if set, ok := m.edges[tag]; ok {
				delete(set, user.ID)
			}
		}
	}

	newInbounds := make(map[string]model.Inbound, len(inbounds))
	for _, ib := range inbounds {
		newInbounds[ib.Tag] = ib
		if _, ok := m.edges[ib.Tag]; !ok {
			m.edges[ib.Tag] = make(map[uint64]struct{})
		}
		m.edges[ib.Tag][user.ID] = struct{}{}
	}
	user.Inbounds = newInbounds
	m.users[user.ID] = user
}

// RemoveUser drops the user and all its edges.
func (m *Memory) RemoveUser(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		for tag := range u.Inbounds {
			if set, ok := m.edges[tag]; ok {
				delete(set, id)
			}
		}
	}
	delete(m.users, id)
}

// FlushUsers drops all users, used before an engine restart to avoid
// stale projections into the new child process.
func (m *Memory) FlushUsers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[uint64]model.User)
	for tag := range m.edges {
		m.edges[tag] = make(map[uint64]struct{})
	}
}

func cloneUser(u model.User) model.User {
	inbounds := make(map[string]model.Inbound, len(u.Inbounds))
	for k, v := range u.Inbounds {
		inbounds[k] = v
	}
	u.Inbounds = inbounds
	return u
}
