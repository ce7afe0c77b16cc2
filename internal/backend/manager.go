package backend

// ConnectionManager is spec.md §3's ConnectionManager: a snapshot of a
// BackendSet's marker state taken at construction, paired with the
// selector used to walk it across retries.
type ConnectionManager struct {
	set      Set
	marker   MarkerSnapshot
	selector Selector
}

// NewConnectionManager snapshots set's rotating cursors and pairs them
// with selector.
func NewConnectionManager(set Set, selector Selector) ConnectionManager {
	return ConnectionManager{set: set, marker: set.Snapshot(), selector: selector}
}

// GetConnection delegates to the selector for the given retry count,
// per spec.md §3's get_connection(retryCount).
func (cm ConnectionManager) GetConnection(retryCount int) (Backend, bool) {
	if cm.selector == nil {
		return Backend{}, false
	}
	return cm.selector.Select(cm.set, cm.marker, retryCount)
}
