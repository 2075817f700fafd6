package lock

// Slots reports how many keys currently have holders or waiters.
func (t *Table) Slots() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
