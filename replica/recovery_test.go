package replica

import (
	"context"
	"testing"
	"time"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answerAt returns a responder where every listed peer reports view and
// next; other peers are unreachable.
func answerAt(view api.View, next api.InstanceID, peers ...int) func(int, *api.Recovery) (*api.RecoveryAnswer, error) {
	up := make(map[int]bool, len(peers))
	for _, p := range peers {
		up[p] = true
	}
	return func(to int, req *api.Recovery) (*api.RecoveryAnswer, error) {
		if !up[to] {
			return nil, errUnreachable
		}
		return &api.RecoveryAnswer{Sender: int32(to), View: view, NextInstanceID: next}, nil
	}
}

func waitCatchUp(t *testing.T, c *fakeCatchUp) api.InstanceID {
	t.Helper()
	select {
	case target := <-c.called:
		return target
	case <-time.After(2 * time.Second):
		t.Fatal("catch-up was not started")
		return 0
	}
}

func TestViewRecovery_CatchesUpToLeader(t *testing.T) {
	tr := newFakeTransport(5, answerAt(6, 40, 0, 1, 3))
	views := &fakeViews{view: 6}
	env := newTestEnv(t, 2, withStrategy(api.ViewSS), withTransport(tr), withViews(views))
	env.start(t)

	assert.Equal(t, api.InstanceID(40), waitCatchUp(t, env.catchUp))
	waitRecovered(t, env.r)

	// 6 mod 5 = 1: replica 2 was not the leader, the view is kept.
	assert.Equal(t, api.View(6), views.View())
	assert.Empty(t, views.history)

	for _, peer := range []int{0, 1, 3} {
		sent := tr.sentTo(peer)
		require.NotEmpty(t, sent)
		assert.Equal(t, &api.Recovery{Sender: 2, View: 6, NextInstanceID: -1}, sent[0])
	}
	assert.Empty(t, tr.sentTo(2), "never sends to itself")
	assert.Equal(t, []api.InstanceID{40}, env.catchUp.recoverTargets())
	assert.True(t, env.consensus.started)
}

func TestViewRecovery_NoLeaderAnswerRebroadcasts(t *testing.T) {
	// Leader of view 6 is replica 1 and it never answers.
	tr := newFakeTransport(5, answerAt(6, 40, 0, 3, 4))
	env := newTestEnv(t, 2, withStrategy(api.ViewSS), withTransport(tr), withViews(&fakeViews{view: 6}))
	env.start(t)

	require.Eventually(t, func() bool {
		return len(tr.sentTo(0)) >= 3
	}, 2*time.Second, 5*time.Millisecond, "recovery request is re-broadcast")

	assert.Empty(t, env.catchUp.recoverTargets(), "must not catch up to a non-leader")
	select {
	case <-env.r.Recovered():
		t.Fatal("recovered without a leader answer")
	default:
	}

	// Every re-broadcast stays in the same view.
	for _, r := range tr.sentTo(0) {
		assert.Equal(t, api.View(6), r.View)
	}

	_, err := env.r.HandleRecovery(context.Background(), &api.Recovery{Sender: 4, View: 6})
	assert.ErrorIs(t, err, api.ErrRecoveryInProgress)

	st, err := env.r.getStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Recovery)
	assert.False(t, st.Recovery.LeaderSeen)
	assert.ElementsMatch(t, []int{0, 3, 4}, st.Recovery.Answered)
}

func TestViewRecovery_LeaderAnswersLate(t *testing.T) {
	leaderUp := make(chan struct{})
	tr := newFakeTransport(5, func(to int, req *api.Recovery) (*api.RecoveryAnswer, error) {
		if to == 1 {
			select {
			case <-leaderUp:
			default:
				return nil, errUnreachable
			}
		}
		return &api.RecoveryAnswer{Sender: int32(to), View: 6, NextInstanceID: 17}, nil
	})
	env := newTestEnv(t, 2, withStrategy(api.ViewSS), withTransport(tr), withViews(&fakeViews{view: 6}))
	env.start(t)

	require.Eventually(t, func() bool {
		return len(tr.sentTo(0)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, env.catchUp.recoverTargets())

	close(leaderUp)
	assert.Equal(t, api.InstanceID(17), waitCatchUp(t, env.catchUp))
	waitRecovered(t, env.r)
}

func TestViewRecovery_AdoptsHigherView(t *testing.T) {
	tr := newFakeTransport(5, func(to int, req *api.Recovery) (*api.RecoveryAnswer, error) {
		switch to {
		case 0:
			// Stale: below the view of the request.
			return &api.RecoveryAnswer{Sender: 0, View: 5, NextInstanceID: 99}, nil
		case 1, 3, 4:
			return &api.RecoveryAnswer{Sender: int32(to), View: 8, NextInstanceID: 55}, nil
		}
		return nil, errUnreachable
	})
	views := &fakeViews{view: 6}
	env := newTestEnv(t, 2, withStrategy(api.ViewSS), withTransport(tr), withViews(views))
	env.start(t)

	// 8 mod 5 = 3 is the leader of the adopted view.
	assert.Equal(t, api.InstanceID(55), waitCatchUp(t, env.catchUp))
	waitRecovered(t, env.r)
	assert.Equal(t, api.View(8), views.View())
	assert.Equal(t, []api.View{8}, views.history)
}

func TestViewRecovery_BumpsViewWhenLeader(t *testing.T) {
	tr := newFakeTransport(5, func(to int, req *api.Recovery) (*api.RecoveryAnswer, error) {
		return &api.RecoveryAnswer{Sender: int32(to), View: req.View, NextInstanceID: 10}, nil
	})
	views := &fakeViews{view: 6}
	env := newTestEnv(t, 1, withStrategy(api.ViewSS), withTransport(tr), withViews(views))
	env.start(t)

	assert.Equal(t, api.InstanceID(10), waitCatchUp(t, env.catchUp))
	waitRecovered(t, env.r)

	assert.Equal(t, []api.View{7}, views.history)
	sent := tr.sentTo(0)
	require.NotEmpty(t, sent)
	assert.Equal(t, api.View(7), sent[0].View)
}

func TestViewRecovery_AdoptedViewLedBySelfIsBumped(t *testing.T) {
	// Persisted view 3 is led by replica 0; peers already moved to view 4,
	// whose leader is this replica.
	tr := newFakeTransport(3, func(to int, req *api.Recovery) (*api.RecoveryAnswer, error) {
		return &api.RecoveryAnswer{Sender: int32(to), View: max(req.View, 4), NextInstanceID: 30}, nil
	})
	views := &fakeViews{view: 3}
	env := newTestEnv(t, 1, withStrategy(api.ViewSS), withTransport(tr), withViews(views))
	env.start(t)

	assert.Equal(t, api.InstanceID(30), waitCatchUp(t, env.catchUp))
	waitRecovered(t, env.r)

	assert.Equal(t, api.View(5), views.View())
	assert.Equal(t, []api.View{5}, views.history, "view 4 is never persisted")
	for _, peer := range []int{0, 2} {
		for _, sent := range tr.sentTo(peer) {
			assert.NotEqual(t, api.View(4), sent.View, "never recovers in a view it would lead")
		}
	}
	toLeader := tr.sentTo(2)
	require.NotEmpty(t, toLeader)
	assert.Equal(t, api.View(5), toLeader[len(toLeader)-1].View)
}

func TestViewRecovery_CatchUpAheadOfSnapshot(t *testing.T) {
	tr := newFakeTransport(3, answerAt(4, 3, 1, 2))
	env := newTestEnv(t, 0, withStrategy(api.ViewSS), withTransport(tr), withViews(&fakeViews{view: 4}))
	batches := []api.ClientBatch{
		{req(1, 1, "a")},
		{req(2, 1, "b")},
		{req(1, 2, "c")},
	}
	env.catchUp.apply = func(api.InstanceID) {
		for id, batch := range batches {
			env.r.ExecuteBatch(api.InstanceID(id), batch)
		}
	}
	env.consensus.last = &api.Snapshot{
		NextInstanceID:     1,
		State:              []byte("snap"),
		LastReplyForClient: map[int64]*api.Reply{1: reply(1, 1, "a#1")},
	}
	for id, batch := range batches {
		env.consensus.decided = append(env.consensus.decided, api.DecidedInstance{ID: api.InstanceID(id), Batch: batch})
	}
	env.start(t)

	assert.Equal(t, api.InstanceID(3), waitCatchUp(t, env.catchUp))
	waitRecovered(t, env.r)

	assert.Equal(t, []api.InstanceID{0, 1, 2}, env.consensus.executedIDs())
	assert.Equal(t, []string{"a#1", "b#1", "c#2"}, env.sm.executions())
	assert.Nil(t, env.sm.state, "stale snapshot must not be restored")
	onDispatcher(t, env.r, func() {
		assert.Equal(t, api.InstanceID(3), env.r.executeUB)
	})
}

func TestViewRecovery_FirstRun(t *testing.T) {
	tr := newFakeTransport(3, answerAt(0, 0))
	env := newTestEnv(t, 0, withStrategy(api.ViewSS), withTransport(tr), withViews(&fakeViews{firstRun: true}))
	env.startAndRecover(t)

	for peer := range 3 {
		assert.Empty(t, tr.sentTo(peer))
	}
	assert.Empty(t, env.catchUp.recoverTargets())
	assert.True(t, env.consensus.started)
}

func TestRecovery_ReplaysDecidedInstances(t *testing.T) {
	env := newTestEnv(t, 0, withStrategy(api.FullSS))
	env.consensus.last = &api.Snapshot{
		NextInstanceID:     2,
		State:              []byte("snap"),
		LastReplyForClient: map[int64]*api.Reply{1: reply(1, 1, "a#1")},
	}
	env.consensus.decided = []api.DecidedInstance{
		{ID: 1, Batch: api.ClientBatch{req(9, 1, "compacted")}},
		{ID: 2, Batch: api.ClientBatch{req(1, 1, "a"), req(2, 1, "b")}},
		{ID: 3, Batch: nil},
	}
	env.consensus.answer = &api.RecoveryAnswer{Sender: 0, View: 3, NextInstanceID: 4}
	env.startAndRecover(t)

	assert.Equal(t, []byte("snap"), env.sm.state)
	assert.Equal(t, []string{"b#1"}, env.sm.executions())
	assert.Equal(t, []api.InstanceID{2, 3}, env.consensus.executedIDs())
	onDispatcher(t, env.r, func() {
		assert.Equal(t, api.InstanceID(4), env.r.executeUB)
	})

	answer, err := env.r.HandleRecovery(context.Background(), &api.Recovery{Sender: 1, View: 3, NextInstanceID: -1})
	require.NoError(t, err)
	assert.Equal(t, env.consensus.answer, answer)
}

func TestBuild_ConfigErrors(t *testing.T) {
	_, log := logger.NewTestLogger()
	newBuilder := func(cfg *api.ReplicaConfig) api.ReplicaBuilder {
		return NewReplicaBuilder(0, &fakeSM{}, &fakeSink{}, &fakeConsensus{}).
			WithConfig(cfg).
			WithViewStorage(&fakeViews{}).
			WithLogger(log)
	}

	cfg := TestsConfig()
	cfg.Recovery.Strategy = "Optimistic"
	_, err := newBuilder(cfg).Build()
	assert.ErrorIs(t, err, api.ErrUnknownRecoveryStrategy)

	cfg = TestsConfig()
	cfg.ClientIDGenerator = "Random"
	_, err = newBuilder(cfg).Build()
	assert.ErrorIs(t, err, api.ErrUnknownIDGenerator)

	// View based recovery cannot run without peers.
	_, err = newBuilder(TestsConfig()).Build()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewReplicaBuilder(0, nil, &fakeSink{}, &fakeConsensus{}).Build()
	assert.Error(t, err)
}

func TestNextClientID(t *testing.T) {
	env := newTestEnv(t, 1)
	a, b := env.r.NextClientID(), env.r.NextClientID()
	assert.NotEqual(t, a, b)
	assert.Equal(t, int64(1), a%3)
	assert.Equal(t, int64(1), b%3)
}
