package replica

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shrtyk/replica-core/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Idempotency(t *testing.T) {
	env := newTestEnv(t, 0)
	env.startAndRecover(t)

	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 1, "a")})
	env.r.ExecuteBatch(1, api.ClientBatch{req(1, 2, "b")})
	env.r.ExecuteBatch(2, api.ClientBatch{req(1, 2, "b")})
	env.r.ExecuteBatch(3, api.ClientBatch{req(1, 3, "c")})
	flush(t, env.r)

	assert.Equal(t, []string{"a#1", "b#2", "c#3"}, env.sm.executions())
	assert.Equal(t, []string{"a#1", "b#2", "b#2", "c#3"}, env.sink.replies())
	assert.Equal(t, []api.InstanceID{0, 1, 2, 3}, env.consensus.executedIDs())

	// The duplicate is answered with the cached reply itself.
	env.sink.mu.Lock()
	assert.Same(t, env.sink.entries[1].reply, env.sink.entries[2].reply)
	env.sink.mu.Unlock()
}

func TestExecute_IdempotencyWithinBatch(t *testing.T) {
	env := newTestEnv(t, 0)
	env.startAndRecover(t)

	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 1, "a"), req(1, 2, "b"), req(1, 2, "b"), req(1, 3, "c")})
	flush(t, env.r)

	assert.Equal(t, []string{"a#1", "b#2", "c#3"}, env.sm.executions())
	assert.Equal(t, []string{"a#1", "b#2", "b#2", "c#3"}, env.sink.replies())
}

func TestExecute_DropsOlderRequests(t *testing.T) {
	env := newTestEnv(t, 0)
	env.startAndRecover(t)

	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 5, "new")})
	env.r.ExecuteBatch(1, api.ClientBatch{req(1, 4, "old"), req(2, 1, "other")})
	flush(t, env.r)

	assert.Equal(t, []string{"new#5", "other#1"}, env.sm.executions())
	assert.Equal(t, []string{"new#5", "other#1"}, env.sink.replies())

	onDispatcher(t, env.r, func() {
		last, ok := env.r.history.Get(1)
		require.True(t, ok)
		assert.Equal(t, int32(5), last.ID.SeqNum)
	})
}

func TestExecute_CursorMonotonicity(t *testing.T) {
	env := newTestEnv(t, 0)
	env.startAndRecover(t)

	var seen []api.InstanceID
	env.r.OnInstanceExecuted(func(id api.InstanceID) {
		onCursor := env.r.executeUB
		assert.Equal(t, id+1, onCursor, "cursor must be past the instance when it is reported")
		seen = append(seen, id)
	})

	env.r.ExecuteBatch(2, api.ClientBatch{req(3, 1, "c")})
	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 1, "a")})
	flush(t, env.r)
	assert.Equal(t, []api.InstanceID{0}, env.consensus.executedIDs())

	env.r.ExecuteNop(1)
	env.r.ExecuteBatch(1, api.ClientBatch{req(2, 1, "late duplicate")})
	flush(t, env.r)

	assert.Equal(t, []api.InstanceID{0, 1, 2}, env.consensus.executedIDs())
	assert.Equal(t, []string{"a#1", "c#1"}, env.sm.executions())
	onDispatcher(t, env.r, func() {
		assert.Equal(t, api.InstanceID(3), env.r.executeUB)
		assert.Empty(t, env.r.buffer)
		assert.Equal(t, []api.InstanceID{0, 1, 2}, seen)
		// The no-op produced no diff entry.
		assert.Equal(t, 2, env.r.diff.Pending())
	})
}

func TestExecute_ParallelBatchCompletion(t *testing.T) {
	env := newTestEnv(t, 0, withParallel(4))

	var (
		started sync.WaitGroup
		release = make(chan struct{})
	)
	started.Add(4)
	env.sm.hook = func(payload []byte) {
		started.Done()
		<-release
		// Finish in random order.
		time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
	}
	env.startAndRecover(t)

	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 1, "a"), req(2, 1, "b"), req(3, 1, "c"), req(4, 1, "d")})

	waitGroupDone(t, &started)
	assert.Empty(t, env.consensus.executedIDs(), "instance reported before all workers finished")

	close(release)
	flush(t, env.r)

	assert.Equal(t, []api.InstanceID{0}, env.consensus.executedIDs())
	assert.ElementsMatch(t, []string{"a#1", "b#1", "c#1", "d#1"}, env.sm.executions())
	// Replies are recorded in batch order.
	assert.Equal(t, []string{"a#1", "b#1", "c#1", "d#1"}, env.sink.replies())
	onDispatcher(t, env.r, func() {
		assert.Equal(t, 4, env.r.history.Len())
		assert.Equal(t, api.InstanceID(1), env.r.executeUB)
	})
}

func TestExecute_ParallelSameClientRunsInOrder(t *testing.T) {
	env := newTestEnv(t, 0, withParallel(4))
	env.startAndRecover(t)

	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 1, "a"), req(2, 1, "x"), req(1, 2, "b"), req(1, 2, "b")})
	flush(t, env.r)

	execs := env.sm.executions()
	assert.ElementsMatch(t, []string{"a#1", "x#1", "b#2"}, execs)
	assert.Equal(t, []string{"a#1", "x#1", "b#2", "b#2"}, env.sink.replies())
}

func TestExecute_Unordered(t *testing.T) {
	env := newTestEnv(t, 0)
	env.startAndRecover(t)

	done := make(chan struct{}, 1)
	env.sink.notify = func(*api.ClientRequest, *api.Reply) { done <- struct{}{} }

	env.r.ExecuteUnordered(req(5, 1, "u"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unordered request was not answered")
	}
	env.sink.notify = nil

	env.r.ExecuteBatch(0, api.ClientBatch{req(5, 1, "u"), req(5, 2, "v")})
	flush(t, env.r)

	assert.Equal(t, []string{"u#1", "v#2"}, env.sm.executions())
	assert.Equal(t, []string{"u#1", "u#1", "v#2"}, env.sink.replies())

	onDispatcher(t, env.r, func() {
		assert.Empty(t, env.r.inflight)
		want := map[int64]*api.Reply{
			5: {ID: api.RequestID{ClientID: 5, SeqNum: 2}, Result: []byte("v#2")},
		}
		if diff := cmp.Diff(want, env.r.history.Copy()); diff != "" {
			t.Errorf("history mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestExecute_OrderedSkipsInflightUnordered(t *testing.T) {
	env := newTestEnv(t, 0)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	env.sm.hook = func(payload []byte) {
		if string(payload) == "slow" {
			entered <- struct{}{}
			<-release
		}
	}
	env.startAndRecover(t)

	env.r.ExecuteUnordered(req(7, 3, "slow"))
	<-entered

	env.r.ExecuteBatch(0, api.ClientBatch{req(7, 3, "slow")})
	flush(t, env.r)
	assert.Equal(t, []api.InstanceID{0}, env.consensus.executedIDs())
	assert.Empty(t, env.sm.executions())

	close(release)
	assert.Eventually(t, func() bool {
		return len(env.sink.replies()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"slow#3"}, env.sm.executions())
}

func waitGroupDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not start in time")
	}
}

func TestCompactHistory(t *testing.T) {
	env := newTestEnv(t, 0)
	env.startAndRecover(t)

	env.r.ExecuteBatch(0, api.ClientBatch{req(1, 1, "a"), req(2, 1, "b"), req(3, 1, "c")})
	flush(t, env.r)

	removed := env.r.CompactHistory(func(clientID int64, _ *api.Reply) bool { return clientID != 2 })
	assert.Equal(t, 2, removed)

	// An evicted client loses its dedup entry, a kept one does not.
	env.r.ExecuteBatch(1, api.ClientBatch{req(1, 1, "a"), req(2, 1, "b")})
	flush(t, env.r)
	assert.Equal(t, []string{"a#1", "b#1", "c#1", "a#1"}, env.sm.executions())
}
