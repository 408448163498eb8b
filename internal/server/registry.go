package server

import (
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/chatterd/chatterd/internal/types"
)

// binding is the live association between an identity and a connection.
type binding struct {
	user    types.User
	client  *Client
	boundAt time.Time
}

// ConnectionRegistry owns the identity-to-connection bindings and is the
// authoritative source of who is online. An identity has at most one
// binding: a later registration supersedes the earlier handle. Unbinding
// compares the handle itself, so a stale disconnect cannot evict a newer
// session for the same identity.
type ConnectionRegistry struct {
	mu       sync.RWMutex
	bindings map[int]*binding
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		bindings: make(map[int]*binding),
	}
}

// Bind associates user with c, superseding any previous binding for the
// same identity. The superseded client, if any, is returned.
func (cr *ConnectionRegistry) Bind(user types.User, c *Client) *Client {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	var prev *Client
	if b, ok := cr.bindings[user.Id]; ok {
		prev = b.client
	}

	cr.bindings[user.Id] = &binding{
		user:    user,
		client:  c,
		boundAt: time.Now(),
	}

	return prev
}

// Unbind removes the binding held by c, if c is still the bound handle
// for its identity. It reports the previously bound user and whether a
// binding was removed. A connection superseded by a later registration
// removes nothing.
func (cr *ConnectionRegistry) Unbind(c *Client) (types.User, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for id, b := range cr.bindings {
		if b.client == c {
			delete(cr.bindings, id)
			return b.user, true
		}
	}

	return types.User{}, false
}

// DisplayName resolves a currently bound identity to its display name.
func (cr *ConnectionRegistry) DisplayName(identityId int) (string, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	b, ok := cr.bindings[identityId]
	if !ok {
		return "", false
	}

	return b.user.DisplayName, true
}

// Snapshot returns the current presence list, one entry per bound
// identity. No ordering is promised.
func (cr *ConnectionRegistry) Snapshot() []types.OnlineUser {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return lo.MapToSlice(cr.bindings, func(_ int, b *binding) types.OnlineUser {
		return types.OnlineUser{
			IdentityId:  b.user.Id,
			DisplayName: b.user.DisplayName,
		}
	})
}

func (cr *ConnectionRegistry) Len() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return len(cr.bindings)
}
