package replica

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/retry"
	"github.com/shrtyk/replica-core/pkg/logger"
)

// roundKey is the retransmitter key of the leaderless re-broadcast timer.
// Peer keys are replica ids, so it must be negative.
const roundKey = -1

// viewRecovery recovers a replica that kept only its view on stable storage.
//
// It asks every peer for its progress in the current view until a majority
// answered for that view. The answer of the view's leader is the only one
// trusted: its next instance id is the catch-up target. Without it the
// request is re-broadcast for the same view, for as long as it takes.
//
// All methods run on the dispatcher.
type viewRecovery struct {
	r      *Replica
	logger *slog.Logger
	onDone func()

	view    api.View
	roundID uuid.UUID
	// sender -> view of its latest answer
	answers      map[int]api.View
	leaderAnswer *api.RecoveryAnswer
	// peers with an outstanding Recovery RPC
	inflight map[int]struct{}

	timers       *retransmitter
	roundBackoff func() time.Duration
	done         bool
	stopped      bool
}

func newViewRecovery(r *Replica) *viewRecovery {
	vr := &viewRecovery{
		r:        r,
		logger:   r.logger.With(slog.String("component", "view-recovery")),
		answers:  make(map[int]api.View, r.n),
		inflight: make(map[int]struct{}, r.n),
		timers:   newRetransmitter(r.disp.Submit, r.cfg.Timings.RetransmitBase, r.cfg.Timings.RetransmitMax),
	}
	vr.resetRoundBackoff()
	return vr
}

func (vr *viewRecovery) start(onDone func()) {
	vr.onDone = onDone

	views := vr.r.views
	v := views.View()
	if views.FirstRun() && v == 0 {
		vr.logger.Info("first run, nothing to recover")
		vr.complete()
		return
	}
	if vr.r.n == 1 {
		vr.logger.Info("single replica cluster, nothing to recover")
		vr.complete()
		return
	}

	// A replica must not come back as the leader of the view it crashed in.
	if vr.leaderOf(v) == vr.r.me {
		vr.logger.Info("was leader of persisted view, bumping it", slog.Int64("view", v))
		v++
		if !vr.persistView(v) {
			return
		}
	}
	vr.view = v
	vr.startRound(true)
}

func (vr *viewRecovery) stop() {
	vr.stopped = true
	vr.timers.reset()
}

// startRound sends Recovery to the peers that have not answered for the
// current view, or to every peer when all is set.
func (vr *viewRecovery) startRound(all bool) {
	if vr.done || vr.stopped {
		return
	}
	vr.timers.reset()
	vr.roundID = uuid.Must(uuid.NewV7())

	vr.logger.Info("broadcasting recovery request",
		slog.String("round", vr.roundID.String()),
		slog.Int64("view", vr.view),
	)
	for peer := range vr.r.n {
		if peer == vr.r.me {
			continue
		}
		if !all && vr.answeredCurrent(peer) {
			continue
		}
		vr.send(peer)
	}
}

func (vr *viewRecovery) send(peer int) {
	if _, ok := vr.inflight[peer]; ok {
		return
	}
	vr.inflight[peer] = struct{}{}

	req := &api.Recovery{
		Sender:         int32(vr.r.me),
		View:           vr.view,
		NextInstanceID: -1,
	}
	round := vr.roundID
	vr.r.wg.Go(func() {
		answer, err := vr.r.transport.SendRecovery(vr.r.ctx, peer, req)
		vr.r.disp.Submit(func() { vr.onResponse(peer, round, answer, err) })
	})
}

// retransmit re-sends to peer after its backoff unless it already answered
// for the current view.
func (vr *viewRecovery) retransmit(peer int) {
	if vr.answeredCurrent(peer) || vr.timers.isPending(peer) {
		return
	}
	vr.timers.schedule(peer, func() { vr.send(peer) })
}

func (vr *viewRecovery) onResponse(peer int, round uuid.UUID, answer *api.RecoveryAnswer, err error) {
	delete(vr.inflight, peer)
	if vr.done || vr.stopped {
		return
	}

	if err != nil {
		vr.logger.Debug("recovery request failed",
			slog.Int("peer", peer),
			slog.String("round", round.String()),
			logger.ErrAttr(err))
		vr.retransmit(peer)
		return
	}
	if answer.View < vr.view {
		vr.logger.Debug("dropping stale recovery answer",
			slog.Int("peer", peer),
			slog.Int64("answer_view", answer.View),
			slog.Int64("view", vr.view))
		vr.retransmit(peer)
		return
	}

	vr.timers.cancel(peer)
	vr.answers[peer] = answer.View
	vr.logger.Info("got recovery answer",
		slog.String("answer", answer.String()),
		slog.Bool("from_leader", vr.leaderOf(answer.View) == peer),
		slog.String("round", round.String()),
	)

	if answer.View > vr.view {
		if !vr.adopt(answer.View) {
			return
		}
	}
	if vr.leaderOf(vr.view) == peer && answer.View == vr.view {
		vr.leaderAnswer = answer
	}
	vr.checkQuorum()
}

// adopt moves to a higher view reported by a peer. The leader answer of the
// old view no longer counts, and peers that answered for a lower view are
// asked again.
func (vr *viewRecovery) adopt(v api.View) bool {
	if vr.leaderOf(v) == vr.r.me {
		v++
	}
	vr.logger.Info("adopting higher view", slog.Int64("from", vr.view), slog.Int64("to", v))
	if !vr.persistView(v) {
		return false
	}
	vr.view = v
	vr.leaderAnswer = nil
	vr.resetRoundBackoff()
	vr.startRound(false)
	return true
}

func (vr *viewRecovery) checkQuorum() {
	count := 0
	for _, v := range vr.answers {
		if v == vr.view {
			count++
		}
	}
	if count <= vr.r.n/2 {
		return
	}

	if vr.leaderAnswer != nil {
		vr.catchUp(vr.leaderAnswer.NextInstanceID)
		return
	}

	if vr.timers.isPending(roundKey) {
		return
	}
	delay := vr.roundBackoff()
	vr.logger.Warn("majority answered without the leader, re-broadcasting",
		slog.Int64("view", vr.view),
		slog.Int("leader", vr.leaderOf(vr.view)),
		slog.Int("answers", count),
		slog.Duration("delay", delay),
	)
	vr.timers.after(roundKey, delay, func() { vr.startRound(true) })
}

func (vr *viewRecovery) catchUp(target api.InstanceID) {
	vr.done = true
	vr.timers.reset()

	vr.logger.Info("recovery quorum reached, catching up",
		slog.Int64("view", vr.view),
		slog.Int64("target", target),
		slog.String("round", vr.roundID.String()),
	)

	// Catch-up may never return and feeds decided instances back through the
	// dispatcher, so it cannot run on it.
	vr.r.wg.Go(func() {
		vr.r.catchUp.Recover(vr.r.ctx, target, func() {
			vr.r.disp.Submit(vr.complete)
		})
	})
}

func (vr *viewRecovery) complete() {
	vr.done = true
	if vr.onDone != nil {
		vr.onDone()
	}
}

func (vr *viewRecovery) persistView(v api.View) bool {
	if err := vr.r.views.SetView(v); err != nil {
		vr.r.fatal(errors.Wrapf(err, "failed to persist view %d", v))
		return false
	}
	return true
}

func (vr *viewRecovery) answeredCurrent(peer int) bool {
	v, ok := vr.answers[peer]
	return ok && v == vr.view
}

func (vr *viewRecovery) leaderOf(v api.View) int {
	return int(v % int64(vr.r.n))
}

func (vr *viewRecovery) resetRoundBackoff() {
	vr.roundBackoff = retry.Backoff(vr.r.cfg.Timings.RetransmitBase, vr.r.cfg.Timings.RetransmitMax)()
}

// status is read by the monitoring handler on the dispatcher.
func (vr *viewRecovery) status() *recoveryStatus {
	answered := make([]int, 0, len(vr.answers))
	for peer := range vr.r.n {
		if vr.answeredCurrent(peer) {
			answered = append(answered, peer)
		}
	}
	return &recoveryStatus{
		View:       vr.view,
		Round:      vr.roundID.String(),
		Answered:   answered,
		LeaderSeen: vr.leaderAnswer != nil,
		Done:       vr.done,
	}
}
