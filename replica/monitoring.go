package replica

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shrtyk/replica-core/pkg/logger"
)

// status represents the replica's status.
type status struct {
	ReplicaID int    `json:"replicaId"`
	Strategy  string `json:"strategy"`
	Recovered bool   `json:"recovered"`
	View      int64  `json:"view"`
	ExecuteUB int64  `json:"executeUB"`

	HistoryInfo struct {
		Clients              int   `json:"clients"`
		PendingDiffInstances int   `json:"pendingDiffInstances"`
		BaselineNext         int64 `json:"baselineNext"`
	} `json:"historyInfo"`

	BufferedInstances  int   `json:"bufferedInstances"`
	UnorderedInflight  int   `json:"unorderedInflight"`
	LastSnapshotNextID int64 `json:"lastSnapshotNextId"`

	Recovery *recoveryStatus `json:"recovery,omitempty"`
}

type recoveryStatus struct {
	View       int64  `json:"view"`
	Round      string `json:"round"`
	Answered   []int  `json:"answered"`
	LeaderSeen bool   `json:"leaderSeen"`
	Done       bool   `json:"done"`
}

// statusHandler implements the http.Handler interface.
type statusHandler struct {
	r *Replica
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()

	s, err := h.r.getStatus(ctx)
	if err != nil {
		h.r.logger.Warn("failed to collect status for monitoring", logger.ErrAttr(err))
		http.Error(w, "replica unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		h.r.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// getStatus collects the current status on the dispatcher.
func (r *Replica) getStatus(ctx context.Context) (status, error) {
	var s status
	err := r.disp.Do(ctx, func() {
		s = status{
			ReplicaID:          r.me,
			Strategy:           string(r.cfg.Recovery.Strategy),
			Recovered:          r.recoveredFlag.Load(),
			View:               r.views.View(),
			ExecuteUB:          r.executeUB,
			BufferedInstances:  len(r.buffer),
			UnorderedInflight:  len(r.inflight),
			LastSnapshotNextID: r.lastSnapshotNext,
		}
		s.HistoryInfo.Clients = r.history.Len()
		s.HistoryInfo.PendingDiffInstances = r.diff.Pending()
		s.HistoryInfo.BaselineNext = r.diff.BaselineNext()

		if vr, ok := r.strategy.(*viewRecovery); ok && !r.recoveredFlag.Load() {
			s.Recovery = vr.status()
		}
	})
	return s, err
}

// startMonitoringServer starts the HTTP server for monitoring.
func (r *Replica) startMonitoringServer() {
	if r.cfg.HttpMonitoringAddr == "" {
		return
	}

	r.logger.Info("starting monitoring server", "addr", r.cfg.HttpMonitoringAddr)

	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{r: r})

	r.monitoringServer = &http.Server{
		Addr:    r.cfg.HttpMonitoringAddr,
		Handler: mux,
	}

	r.wg.Go(func() {
		if err := r.monitoringServer.ListenAndServe(); err != http.ErrServerClosed {
			r.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	})
}
