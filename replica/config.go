package replica

import (
	"fmt"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/idgen"
	"github.com/shrtyk/replica-core/pkg/logger"
	"github.com/shrtyk/replica-core/pkg/storage"
)

var ErrInvalidConfig = errors.New("replica: invalid config")

const (
	defaultHttpMonitoringAddr = ""
	defaultGRPCAddr           = ""
	defaultDataDir            = "data"
)

func DefaultConfig() *api.ReplicaConfig {
	return &api.ReplicaConfig{
		NumReplicas: 3,
		Log: api.LoggerCfg{
			Env: logger.Prod,
		},
		Timings: api.ReplicaTimings{
			RetransmitBase:  defaultRetransmitBase,
			RetransmitMax:   defaultRetransmitMax,
			RPCTimeout:      defaultRpcTimeout,
			ShutdownTimeout: 3 * time.Second,
		},
		Execution: api.ExecutionCfg{
			ParallelBatch:    false,
			BatchWorkers:     runtime.NumCPU(),
			UnorderedWorkers: 4,
		},
		Recovery: api.RecoveryCfg{
			Strategy: api.ViewSS,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		Snapshots: api.SnapshotsCfg{
			CheckInterval: 30 * time.Second,
			MinInstances:  1024,
		},
		ClientIDGenerator:  idgen.Simple,
		HttpMonitoringAddr: defaultHttpMonitoringAddr,
		GRPCAddr:           defaultGRPCAddr,
		DataDir:            defaultDataDir,
		StorageBackend:     storage.BackendFile,
	}
}

func TestsConfig() *api.ReplicaConfig {
	return &api.ReplicaConfig{
		NumReplicas: 3,
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.ReplicaTimings{
			RetransmitBase:  5 * time.Millisecond,
			RetransmitMax:   40 * time.Millisecond,
			RPCTimeout:      50 * time.Millisecond,
			ShutdownTimeout: time.Second,
		},
		Execution: api.ExecutionCfg{
			ParallelBatch:    false,
			BatchWorkers:     4,
			UnorderedWorkers: 2,
		},
		Recovery: api.RecoveryCfg{
			Strategy: api.ViewSS,
		},
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     time.Second,
		},
		ClientIDGenerator: idgen.Simple,
	}
}

// ValidateConfig reports the first problem found in cfg. Unknown strategy
// and generator names wrap the matching api sentinel errors.
func ValidateConfig(cfg *api.ReplicaConfig) error {
	if cfg == nil {
		return errors.Wrap(ErrInvalidConfig, "nil config")
	}
	if cfg.NumReplicas < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num replicas must be positive, got %d", cfg.NumReplicas)
	}
	if cfg.ID < 0 || cfg.ID >= cfg.NumReplicas {
		return errors.Wrapf(ErrInvalidConfig, "replica id %d out of range [0, %d)", cfg.ID, cfg.NumReplicas)
	}
	if len(cfg.Peers) > 0 && len(cfg.Peers) != cfg.NumReplicas {
		return errors.Wrapf(ErrInvalidConfig, "expected %d peer addresses, got %d", cfg.NumReplicas, len(cfg.Peers))
	}

	switch cfg.Recovery.Strategy {
	case api.CrashStop, api.FullSS, api.ViewSS:
	default:
		return fmt.Errorf("%w: %q", api.ErrUnknownRecoveryStrategy, cfg.Recovery.Strategy)
	}
	switch cfg.ClientIDGenerator {
	case idgen.Simple, idgen.TimeBased:
	default:
		return fmt.Errorf("%w: %q", api.ErrUnknownIDGenerator, cfg.ClientIDGenerator)
	}

	switch cfg.StorageBackend {
	case "", storage.BackendFile, storage.BackendSQLite:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown storage backend %q", cfg.StorageBackend)
	}

	if cfg.Execution.BatchWorkers < 1 {
		return errors.Wrapf(ErrInvalidConfig, "batch workers must be positive, got %d", cfg.Execution.BatchWorkers)
	}
	if cfg.Execution.UnorderedWorkers < 1 {
		return errors.Wrapf(ErrInvalidConfig, "unordered workers must be positive, got %d", cfg.Execution.UnorderedWorkers)
	}
	if cfg.Timings.RetransmitBase <= 0 {
		return errors.Wrap(ErrInvalidConfig, "retransmit base must be positive")
	}
	if cfg.Timings.RetransmitMax < cfg.Timings.RetransmitBase {
		return errors.Wrapf(ErrInvalidConfig, "retransmit max %s is below base %s",
			cfg.Timings.RetransmitMax, cfg.Timings.RetransmitBase)
	}
	if cfg.Snapshots.CheckInterval < 0 || cfg.Snapshots.MinInstances < 0 {
		return errors.Wrap(ErrInvalidConfig, "snapshot settings must not be negative")
	}
	return nil
}
