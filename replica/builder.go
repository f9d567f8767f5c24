package replica

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/dispatcher"
	"github.com/shrtyk/replica-core/internal/history"
	"github.com/shrtyk/replica-core/internal/idgen"
	"github.com/shrtyk/replica-core/pkg/logger"
	"github.com/shrtyk/replica-core/pkg/storage"
	"github.com/shrtyk/replica-core/pkg/transport"
	"golang.org/x/sync/semaphore"
)

type replicaBuilder struct {
	// required
	me        int
	sm        api.StateMachine
	sink      api.ReplySink
	consensus api.Consensus

	// optional with defaults
	cfg       *api.ReplicaConfig
	views     api.ViewStorage
	snapshots api.SnapshotStore
	transport api.Transport
	catchUp   api.CatchUp
	logger    *slog.Logger
}

func NewReplicaBuilder(
	id int,
	sm api.StateMachine,
	sink api.ReplySink,
	consensus api.Consensus,
) api.ReplicaBuilder {
	return &replicaBuilder{
		me:        id,
		sm:        sm,
		sink:      sink,
		consensus: consensus,
		cfg:       DefaultConfig(),
	}
}

func (b *replicaBuilder) Build() (api.Replica, error) {
	if b.sm == nil || b.sink == nil || b.consensus == nil {
		return nil, fmt.Errorf("builder: state machine, reply sink and consensus are required")
	}

	cfg := *b.cfg
	cfg.ID = b.me
	if b.transport != nil && len(cfg.Peers) == 0 {
		cfg.NumReplicas = b.transport.PeersCount()
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	log := b.logger
	if log == nil {
		log = logger.NewLogger(cfg.Log.Env, cfg.Log.AddSource).With(slog.Int("me", b.me))
	}

	ids, err := idgen.New(cfg.ClientIDGenerator, b.me, cfg.NumReplicas)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}

	views, ownsViews := b.views, false
	if views == nil {
		dir := cfg.DataDir
		if dir == "" {
			dir = defaultDataDir
		}
		st, err := storage.Open(cfg.StorageBackend, filepath.Join(dir, fmt.Sprintf("replica-%d", b.me)), log)
		if err != nil {
			return nil, fmt.Errorf("builder: failed to open default view storage: %w", err)
		}
		views, ownsViews = st, true
	}

	snapshots := b.snapshots
	if snapshots == nil {
		if ss, ok := views.(api.SnapshotStore); ok {
			snapshots = ss
		}
	}

	tr, closeConns := b.transport, func() error { return nil }
	if tr == nil && len(cfg.Peers) > 0 {
		conns, closeFn, err := transport.SetupConnections(b.me, cfg.Peers)
		if err != nil {
			if ownsViews {
				views.Close()
			}
			return nil, fmt.Errorf("builder: %w", err)
		}
		tr, closeConns = transport.NewGRPCTransport(b.me, cfg.Timings.RPCTimeout, cfg.CBreaker, conns, log), closeFn
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Replica{
		me:           b.me,
		n:            cfg.NumReplicas,
		cfg:          &cfg,
		logger:       log,
		ctx:          ctx,
		cancel:       cancel,
		sm:           b.sm,
		sink:         b.sink,
		consensus:    b.consensus,
		views:        views,
		ownsViews:    ownsViews,
		snapshots:    snapshots,
		transport:    tr,
		closeConns:   closeConns,
		catchUp:      b.catchUp,
		ids:          ids,
		disp:         dispatcher.New(),
		unorderedSem: semaphore.NewWeighted(int64(cfg.Execution.UnorderedWorkers)),
		recovered:    make(chan struct{}),
		history:      history.NewRequests(),
		diff:         history.NewDiff(),
		buffer:       make(map[api.InstanceID]api.ClientBatch),
		inflight:     make(map[int64]int32),
	}
	r.fatal = r.handleInvariantViolation

	r.strategy, err = newRecoveryStrategy(r)
	if err != nil {
		cancel()
		closeConns()
		if ownsViews {
			views.Close()
		}
		return nil, fmt.Errorf("builder: %w", err)
	}
	return r, nil
}

func (b *replicaBuilder) WithConfig(cfg *api.ReplicaConfig) api.ReplicaBuilder {
	b.cfg = cfg
	return b
}

func (b *replicaBuilder) WithViewStorage(v api.ViewStorage) api.ReplicaBuilder {
	b.views = v
	return b
}

func (b *replicaBuilder) WithSnapshotStore(s api.SnapshotStore) api.ReplicaBuilder {
	b.snapshots = s
	return b
}

func (b *replicaBuilder) WithTransport(t api.Transport) api.ReplicaBuilder {
	b.transport = t
	return b
}

func (b *replicaBuilder) WithCatchUp(c api.CatchUp) api.ReplicaBuilder {
	b.catchUp = c
	return b
}

func (b *replicaBuilder) WithLogger(l *slog.Logger) api.ReplicaBuilder {
	b.logger = l
	return b
}
