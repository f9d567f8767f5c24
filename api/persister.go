package api

// ViewStorage durably stores the current view of the replica.
//
// SetView must not return before the value is on stable storage: after a
// crash the replica must never observe a view lower than one it announced.
type ViewStorage interface {
	// View returns the last persisted view (0 when nothing was stored).
	View() View

	// SetView durably persists v. Lowering the stored view is an error.
	SetView(v View) error

	// FirstRun reports whether no prior persisted state existed when the
	// storage was opened.
	FirstRun() bool

	// Close releases any underlying resources, like file handles.
	Close() error
}

// SnapshotStore persists snapshots handed over for log compaction.
type SnapshotStore interface {
	SaveSnapshot(s *Snapshot) error

	// LastSnapshot returns the most recent snapshot or nil if none exists.
	LastSnapshot() (*Snapshot, error)
}
