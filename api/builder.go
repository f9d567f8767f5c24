package api

import "log/slog"

// ReplicaBuilder is an interface for constructing a replica.
type ReplicaBuilder interface {
	// Build constructs and returns a new Replica based on the configurations
	// provided to the builder. It returns an error if any required component
	// is missing or if the configuration is invalid.
	Build() (Replica, error)

	// WithConfig sets the replica configuration.
	// If not provided, a DefaultConfig will be used.
	WithConfig(*ReplicaConfig) ReplicaBuilder

	// WithViewStorage sets a custom ViewStorage implementation.
	// If not provided, a file based storage in DataDir will be used.
	WithViewStorage(ViewStorage) ReplicaBuilder

	// WithSnapshotStore sets where snapshots are persisted.
	// If not provided, the view storage is used when it can store snapshots.
	WithSnapshotStore(SnapshotStore) ReplicaBuilder

	// WithTransport sets the transport used during view based recovery.
	// Required for the ViewSS strategy.
	WithTransport(Transport) ReplicaBuilder

	// WithCatchUp sets the catch-up client used during view based recovery.
	// Required for the ViewSS strategy.
	WithCatchUp(CatchUp) ReplicaBuilder

	// WithLogger sets a custom slog.Logger for the replica.
	// If not provided, a default logger based on the config's Log.Env
	// will be used.
	WithLogger(*slog.Logger) ReplicaBuilder
}
