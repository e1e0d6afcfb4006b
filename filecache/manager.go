package filecache

// removeWriteQEntriesFor implements spec.md §4.6's "remove the file's
// entries from the cache's write queue" step. The write queue itself
// (internal/sched.Pool) has no entry-removal primitive, so removal is
// advisory: queued jobs for this file become no-ops once marked removed.
func (m *Manager) removeWriteQEntriesFor(f *File) {
	m.removed.Store(f, true)
}

func (m *Manager) isRemoved(f *File) bool {
	_, removed := m.removed.Load(f)
	return removed
}
