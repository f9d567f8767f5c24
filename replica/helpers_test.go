package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/pkg/logger"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("peer unreachable")

// fakeSM echoes "<payload>#<seq>" and counts every invocation.
type fakeSM struct {
	mu       sync.Mutex
	executed []string
	state    []byte
	// hook runs inside Execute before the result is produced
	hook func(payload []byte)
}

func (f *fakeSM) Execute(payload []byte, seqNum int32) []byte {
	if f.hook != nil {
		f.hook(payload)
	}
	res := fmt.Sprintf("%s#%d", payload, seqNum)
	f.mu.Lock()
	f.executed = append(f.executed, res)
	f.mu.Unlock()
	return []byte(res)
}

func (f *fakeSM) MakeSnapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Appendf(nil, "executed=%d", len(f.executed)), nil
}

func (f *fakeSM) RestoreFromSnapshot(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = slices.Clone(b)
	return nil
}

func (f *fakeSM) executions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.executed)
}

type sinkEntry struct {
	req   *api.ClientRequest
	reply *api.Reply
}

type fakeSink struct {
	mu      sync.Mutex
	entries []sinkEntry
	notify  func(req *api.ClientRequest, reply *api.Reply)
}

func (f *fakeSink) OnRequestExecuted(req *api.ClientRequest, reply *api.Reply) {
	f.mu.Lock()
	f.entries = append(f.entries, sinkEntry{req: req, reply: reply})
	notify := f.notify
	f.mu.Unlock()
	if notify != nil {
		notify(req, reply)
	}
}

func (f *fakeSink) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, string(e.reply.Result))
	}
	return out
}

type fakeConsensus struct {
	mu        sync.Mutex
	executed  []api.InstanceID
	snapshots []*api.Snapshot
	last      *api.Snapshot
	decided   []api.DecidedInstance
	started   bool
	answer    *api.RecoveryAnswer
}

func (f *fakeConsensus) OnInstanceExecuted(id api.InstanceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, id)
}

func (f *fakeConsensus) OnSnapshotMade(s *api.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
}

func (f *fakeConsensus) LastSnapshot() *api.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeConsensus) DecidedInstances(from api.InstanceID) []api.DecidedInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.DecidedInstance
	for _, d := range f.decided {
		if d.ID >= from {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeConsensus) HandleRecovery(ctx context.Context, req *api.Recovery) (*api.RecoveryAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answer, nil
}

func (f *fakeConsensus) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeConsensus) executedIDs() []api.InstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.executed)
}

func (f *fakeConsensus) madeSnapshots() []*api.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.snapshots)
}

type fakeViews struct {
	mu       sync.Mutex
	view     api.View
	firstRun bool
	history  []api.View
}

func (f *fakeViews) View() api.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeViews) SetView(v api.View) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v < f.view {
		return api.ErrViewDecrease
	}
	f.view = v
	f.history = append(f.history, v)
	return nil
}

func (f *fakeViews) FirstRun() bool { return f.firstRun }
func (f *fakeViews) Close() error   { return nil }

// fakeTransport answers Recovery requests through respond. A nil answer
// with a nil error is reported as an unreachable peer.
type fakeTransport struct {
	n       int
	mu      sync.Mutex
	sent    map[int][]*api.Recovery
	respond func(to int, req *api.Recovery) (*api.RecoveryAnswer, error)
}

func newFakeTransport(n int, respond func(to int, req *api.Recovery) (*api.RecoveryAnswer, error)) *fakeTransport {
	return &fakeTransport{n: n, sent: make(map[int][]*api.Recovery), respond: respond}
}

func (f *fakeTransport) SendRecovery(ctx context.Context, to int, req *api.Recovery) (*api.RecoveryAnswer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sent[to] = append(f.sent[to], req)
	f.mu.Unlock()

	answer, err := f.respond(to, req)
	if answer == nil && err == nil {
		err = errUnreachable
	}
	return answer, err
}

func (f *fakeTransport) PeersCount() int               { return f.n }
func (f *fakeTransport) IsPeerAvailable(peer int) bool { return true }

func (f *fakeTransport) sentTo(peer int) []*api.Recovery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent[peer])
}

type fakeCatchUp struct {
	mu      sync.Mutex
	targets []api.InstanceID
	called  chan api.InstanceID
	// apply runs before onDone, standing in for fetched instances.
	apply func(target api.InstanceID)
}

func newFakeCatchUp() *fakeCatchUp {
	return &fakeCatchUp{called: make(chan api.InstanceID, 16)}
}

func (f *fakeCatchUp) Recover(ctx context.Context, target api.InstanceID, onDone func()) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	f.called <- target
	if f.apply != nil {
		f.apply(target)
	}
	onDone()
}

func (f *fakeCatchUp) recoverTargets() []api.InstanceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.targets)
}

type testEnv struct {
	r         *Replica
	sm        *fakeSM
	sink      *fakeSink
	consensus *fakeConsensus
	views     *fakeViews
	transport *fakeTransport
	catchUp   *fakeCatchUp

	fatalMu sync.Mutex
	fatals  []error
}

type envOption func(cfg *api.ReplicaConfig, env *testEnv)

func withStrategy(s api.RecoveryStrategy) envOption {
	return func(cfg *api.ReplicaConfig, _ *testEnv) { cfg.Recovery.Strategy = s }
}

func withParallel(workers int) envOption {
	return func(cfg *api.ReplicaConfig, _ *testEnv) {
		cfg.Execution.ParallelBatch = true
		cfg.Execution.BatchWorkers = workers
	}
}

func withTransport(t *fakeTransport) envOption {
	return func(_ *api.ReplicaConfig, env *testEnv) { env.transport = t }
}

func withViews(v *fakeViews) envOption {
	return func(_ *api.ReplicaConfig, env *testEnv) { env.views = v }
}

// newTestEnv builds a replica with id me from fakes. The default strategy
// is CrashStop, so the replica is live once started.
func newTestEnv(t *testing.T, me int, opts ...envOption) *testEnv {
	t.Helper()

	cfg := TestsConfig()
	cfg.Recovery.Strategy = api.CrashStop
	env := &testEnv{
		sm:        &fakeSM{},
		sink:      &fakeSink{},
		consensus: &fakeConsensus{},
		views:     &fakeViews{firstRun: true},
		catchUp:   newFakeCatchUp(),
	}
	for _, opt := range opts {
		opt(cfg, env)
	}
	if env.transport != nil {
		cfg.NumReplicas = env.transport.n
	}

	_, log := logger.NewTestLogger()
	b := NewReplicaBuilder(me, env.sm, env.sink, env.consensus).
		WithConfig(cfg).
		WithViewStorage(env.views).
		WithCatchUp(env.catchUp).
		WithLogger(log)
	if env.transport != nil {
		b = b.WithTransport(env.transport)
	}

	rep, err := b.Build()
	require.NoError(t, err)
	env.r = rep.(*Replica)
	env.r.fatal = func(err error) {
		env.fatalMu.Lock()
		env.fatals = append(env.fatals, err)
		env.fatalMu.Unlock()
	}
	t.Cleanup(func() { env.r.Stop() })
	return env
}

func (env *testEnv) fatalErrs() []error {
	env.fatalMu.Lock()
	defer env.fatalMu.Unlock()
	return slices.Clone(env.fatals)
}

func (env *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, env.r.Start())
}

func (env *testEnv) startAndRecover(t *testing.T) {
	t.Helper()
	env.start(t)
	waitRecovered(t, env.r)
}

func waitRecovered(t *testing.T, r *Replica) {
	t.Helper()
	select {
	case <-r.Recovered():
	case <-time.After(2 * time.Second):
		t.Fatal("replica did not recover in time")
	}
}

// onDispatcher runs fn on the dispatcher after every task queued so far.
func onDispatcher(t *testing.T, r *Replica, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.disp.Do(ctx, fn))
}

func flush(t *testing.T, r *Replica) {
	t.Helper()
	onDispatcher(t, r, func() {})
}

func req(client int64, seq int32, payload string) *api.ClientRequest {
	return &api.ClientRequest{
		ID:      api.RequestID{ClientID: client, SeqNum: seq},
		Payload: []byte(payload),
	}
}
