package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/cbreaker"
	"github.com/shrtyk/replica-core/internal/retry"
	"github.com/shrtyk/replica-core/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ api.Transport = (*GRPCTransport)(nil)

// GRPCTransport sends Recovery requests to peers over gRPC. Every peer has
// its own circuit breaker; an open breaker marks the peer as unavailable.
type GRPCTransport struct {
	self           int
	requestTimeout time.Duration
	attempts       int
	conns          []grpc.ClientConnInterface
	breakers       []*cbreaker.CircuitBreaker
}

// NewGRPCTransport builds a transport over conns, indexed by replica id.
// conns[self] is never used and may be nil.
func NewGRPCTransport(
	self int,
	reqTimeout time.Duration,
	cbCfg api.CircuitBreakerCfg,
	conns []grpc.ClientConnInterface,
	log *slog.Logger) *GRPCTransport {
	breakers := make([]*cbreaker.CircuitBreaker, len(conns))
	for i := range breakers {
		peer := i
		breakers[i] = cbreaker.New(cbCfg, cbreaker.WithStateListener(func(from, to cbreaker.State) {
			log.Info("peer circuit breaker changed state",
				slog.Int("peer", peer),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}))
	}
	return &GRPCTransport{
		self:           self,
		requestTimeout: reqTimeout,
		attempts:       2,
		conns:          conns,
		breakers:       breakers,
	}
}

func (t *GRPCTransport) SendRecovery(
	ctx context.Context,
	to int,
	req *api.Recovery) (*api.RecoveryAnswer, error) {
	var answer *api.RecoveryAnswer
	err := retry.Do(ctx, func(ctx context.Context) error {
		resp, err := cbreaker.Do(ctx, t.breakers[to], func(ctx context.Context) (*api.RecoveryAnswer, error) {
			tctx, tcancel := context.WithTimeout(ctx, t.requestTimeout)
			defer tcancel()

			resp := new(api.RecoveryAnswer)
			err := t.conns[to].Invoke(tctx, RecoverMethod, req, resp, grpc.CallContentSubtype(wire.CodecName))
			return resp, err
		})
		if err != nil {
			if !retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		answer = resp
		return nil
	}, retry.WithMaxAttempts(t.attempts), retry.WithBaseDelay(t.requestTimeout/4))
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func (t *GRPCTransport) PeersCount() int {
	return len(t.conns)
}

func (t *GRPCTransport) IsPeerAvailable(peerID int) bool {
	if peerID == t.self || peerID < 0 || peerID >= len(t.conns) {
		return false
	}
	return t.breakers[peerID].IsClosed()
}

// BreakerState returns the printable state of the breaker guarding peerID.
func (t *GRPCTransport) BreakerState(peerID int) string {
	return t.breakers[peerID].State().String()
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
