package server

// Registry maps a user identity to the single connection handle that
// currently represents it. The set of keys is the online set.
//
// A Registry is owned by exactly one Hub and is only mutated from the hub's
// Run loop; it does no locking of its own.
type Registry struct {
	handles map[string]*Client
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Client)}
}

// Connect binds identity to handle. A second connect for the same identity
// replaces the earlier handle (last connect wins) and keeps the identity's
// position in Online. An empty identity is ignored and reports false.
func (r *Registry) Connect(identity string, handle *Client) bool {
	if identity == "" {
		return false
	}
	if _, exists := r.handles[identity]; !exists {
		r.order = append(r.order, identity)
	}
	r.handles[identity] = handle
	return true
}

// Disconnect drops identity whichever handle it currently points at.
// Unknown identities are a no-op and report false.
func (r *Registry) Disconnect(identity string) bool {
	if _, exists := r.handles[identity]; !exists {
		return false
	}
	delete(r.handles, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Handle returns the connection currently registered for identity.
func (r *Registry) Handle(identity string) (*Client, bool) {
	c, ok := r.handles[identity]
	return c, ok
}

// Online returns the registered identities in first-connect order.
func (r *Registry) Online() []string {
	return append(make([]string, 0, len(r.order)), r.order...)
}

// Len is the number of registered identities.
func (r *Registry) Len() int {
	return len(r.handles)
}
