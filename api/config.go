package api

import (
	"time"

	"github.com/shrtyk/replica-core/pkg/logger"
)

// RecoveryStrategy selects the crash model the replica recovers under.
type RecoveryStrategy string

const (
	// CrashStop assumes replicas never come back with state: nothing to recover.
	CrashStop RecoveryStrategy = "CrashStop"
	// FullSS assumes every consensus write hits stable storage synchronously.
	FullSS RecoveryStrategy = "FullSS"
	// ViewSS only keeps the view on stable storage and recovers via a quorum round.
	ViewSS RecoveryStrategy = "ViewSS"
)

type ReplicaConfig struct {
	ID                 int               `yaml:"id"`
	NumReplicas        int               `yaml:"num_replicas"`
	Log                LoggerCfg         `yaml:"log"`
	Timings            ReplicaTimings    `yaml:"timings"`
	Execution          ExecutionCfg      `yaml:"execution"`
	Recovery           RecoveryCfg       `yaml:"recovery"`
	CBreaker           CircuitBreakerCfg `yaml:"cbreaker"`
	Snapshots          SnapshotsCfg      `yaml:"snapshots"`
	ClientIDGenerator  string            `yaml:"client_id_generator"`
	HttpMonitoringAddr string            `yaml:"http_monitoring_addr"`
	GRPCAddr           string            `yaml:"grpc_addr"`
	Peers              []string          `yaml:"peers"`
	DataDir            string            `yaml:"data_dir"`
	StorageBackend     string            `yaml:"storage_backend"`
}

type LoggerCfg struct {
	Env       logger.Enviroment `yaml:"env"`
	AddSource bool              `yaml:"add_source"`
}

type ReplicaTimings struct {
	RetransmitBase  time.Duration `yaml:"retransmit_base"`
	RetransmitMax   time.Duration `yaml:"retransmit_max"`
	RPCTimeout      time.Duration `yaml:"rpc_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ExecutionCfg struct {
	ParallelBatch    bool `yaml:"parallel_batch"`
	BatchWorkers     int  `yaml:"batch_workers"`
	UnorderedWorkers int  `yaml:"unordered_workers"`
}

type RecoveryCfg struct {
	Strategy RecoveryStrategy `yaml:"strategy"`
}

type CircuitBreakerCfg struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type SnapshotsCfg struct {
	// CheckInterval of zero disables the periodic snapshotter.
	CheckInterval time.Duration `yaml:"check_interval"`
	MinInstances  int64         `yaml:"min_instances"`
}
