package cluster

// Reset empties the view
func (r *MembershipRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.view = nil
	r.updateMetricsLocked()
}

// Replace installs view verbatim
func (r *MembershipRegistry) Replace(view ClusterView) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.view = view.Clone()
	r.updateMetricsLocked()
}

// Append adds d at the end of the view
func (r *MembershipRegistry) Append(d NodeDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.view.Find(d.ID) >= 0 {
		return ErrNodeAlreadyExists
	}
	r.view = append(r.view, d)
	r.updateMetricsLocked()
	return nil
}

// Remove deletes id and reports whether it was present
func (r *MembershipRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.view.Find(id)
	if i < 0 {
		return false
	}
	r.view = append(r.view[:i:i], r.view[i+1:]...)
	r.updateMetricsLocked()
	return true
}

// SetAlive sets the liveness flag of id and reports whether it flipped
func (r *MembershipRegistry) SetAlive(id string, alive bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.view.Find(id)
	if i < 0 || r.view[i].Alive == alive {
		return false
	}
	r.view[i].Alive = alive
	r.updateMetricsLocked()
	return true
}

// Update replaces the stored descriptor with the same ID
func (r *MembershipRegistry) Update(d NodeDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.view.Find(d.ID)
	if i < 0 {
		return ErrNodeNotFound
	}
	r.view[i] = d
	r.updateMetricsLocked()
	return nil
}

// MarkPrimary flags id as primary
func (r *MembershipRegistry) MarkPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.view.Find(id)
	if i < 0 {
		return ErrNodeNotFound
	}
	r.view[i].IsPrimary = true
	return nil
}

// ClearPrimary removes the primary flag from every descriptor
func (r *MembershipRegistry) ClearPrimary() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.view {
		r.view[i].IsPrimary = false
	}
}
