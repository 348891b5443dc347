package cluster

// Snapshot returns a copy of the view
func (r *MembershipRegistry) Snapshot() ClusterView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.view.Clone()
}

// Get returns the descriptor for id
func (r *MembershipRegistry) Get(id string) (NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.view.Find(id)
	if i < 0 {
		return NodeDescriptor{}, false
	}
	return r.view[i], true
}

// Primary returns the descriptor flagged primary
func (r *MembershipRegistry) Primary() (NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.view.Primary()
}

// Peers returns every descriptor except self
func (r *MembershipRegistry) Peers(self string) []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]NodeDescriptor, 0, len(r.view))
	for _, d := range r.view {
		if d.ID != self {
			peers = append(peers, d)
		}
	}
	return peers
}

// AlivePeers returns every descriptor except self that is marked alive
func (r *MembershipRegistry) AlivePeers(self string) []NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]NodeDescriptor, 0, len(r.view))
	for _, d := range r.view {
		if d.ID != self && d.Alive {
			peers = append(peers, d)
		}
	}
	return peers
}

// AliveCount counts alive peers plus self
func (r *MembershipRegistry) AliveCount(self string) int {
	return len(r.AlivePeers(self)) + 1
}

// Len returns the number of descriptors
func (r *MembershipRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.view)
}
