package hierarchy

// LockedKeys reports how many keys hold a resolution lock entry.
func (r *Resolver) LockedKeys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
