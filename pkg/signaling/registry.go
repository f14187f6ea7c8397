package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/openrover/teleop/pkg/api"
)

var (
	ErrUnknownRole = errors.New("unknown role")
	ErrRoleTaken   = errors.New("role is taken")
	ErrRoleFixed   = errors.New("role can't be changed")
	ErrNoPeer      = errors.New("peer is not registered")
)

// EvictionPolicy decides what happens when a role is already taken.
type EvictionPolicy int

const (
	// ReplaceExisting evicts the current holder of the role.
	ReplaceExisting EvictionPolicy = iota
	// RejectNew keeps the current holder and refuses the newcomer.
	RejectNew
)

// Registry holds one client per role.
type Registry struct {
	mu     sync.Mutex
	m      map[api.Role]*Client
	policy EvictionPolicy
	now    func() time.Time
}

func NewRegistry(policy EvictionPolicy) *Registry {
	return &Registry{m: make(map[api.Role]*Client, 2), policy: policy, now: time.Now}
}

// Register binds the client to the role. A repeated registration of the same
// client is a no-op. When the role is taken by another client, that client
// is returned as evicted, closing it is up to the caller.
func (r *Registry) Register(role api.Role, c *Client) (evicted *Client, err error) {
	if !role.Valid() {
		return nil, ErrUnknownRole
	}
	if current := c.Role(); current != "" && current != role {
		return nil, ErrRoleFixed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	holder := r.m[role]
	if holder == c {
		return nil, nil
	}
	if holder != nil && r.policy == RejectNew {
		return nil, ErrRoleTaken
	}
	c.setRole(role, r.now())
	r.m[role] = c
	return holder, nil
}

// Unregister removes the client if it still holds its role,
// reports whether it did.
func (r *Registry) Unregister(c *Client) bool {
	role := c.Role()
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == "" || r.m[role] != c {
		return false
	}
	delete(r.m, role)
	return true
}

func (r *Registry) Get(role api.Role) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.m[role]
	return c, ok
}

// GetPeer returns the client of the opposite role.
func (r *Registry) GetPeer(role api.Role) (*Client, bool) { return r.Get(role.Opposite()) }

func (r *Registry) IsConnected(role api.Role) bool { _, ok := r.Get(role); return ok }

// IsCurrent tells whether the client is the registered holder of its role.
func (r *Registry) IsCurrent(c *Client) bool {
	role := c.Role()
	if role == "" {
		return false
	}
	holder, _ := r.Get(role)
	return holder == c
}
