package analysis

import (
	"context"
	"time"

	"github.com/covecare/callops/internal/calls"
	observemetrics "github.com/covecare/callops/internal/observability/metrics"
	"github.com/covecare/callops/pkg/logging"
)

const (
	// DefaultStuckAfter is how long a record may sit mid-pipeline before the
	// sweep declares its process dead and fails it out.
	DefaultStuckAfter = 30 * time.Minute

	defaultSweepInterval = 5 * time.Minute
	sweepBatchSize       = 50
)

// Sweeper periodically fails out records stranded in a non-terminal pipeline
// state. A worker crash between stages leaves the record claimed forever;
// failing it makes the stall visible and unblocks the manual retry path.
type Sweeper struct {
	store     *calls.Store
	metrics   *observemetrics.CallMetrics
	logger    *logging.Logger
	stuckAge  time.Duration
	interval  time.Duration
	now       func() time.Time
}

// SweeperConfig wires the recovery sweep.
type SweeperConfig struct {
	Store     *calls.Store
	Metrics   *observemetrics.CallMetrics
	Logger    *logging.Logger
	StuckAge  time.Duration
	Interval  time.Duration
}

// NewSweeper builds the recovery sweep.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Store == nil {
		panic("analysis: store cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.StuckAge <= 0 {
		cfg.StuckAge = DefaultStuckAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	return &Sweeper{
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		stuckAge: cfg.StuckAge,
		interval: cfg.Interval,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("analysis sweeper stopping")
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("analysis sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Warn("swept stuck analysis records", "count", n)
			}
		}
	}
}

// SweepOnce fails out every record stuck past the cutoff and returns how many
// it touched.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.stuckAge)
	records, err := s.store.FindStuck(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, rec := range records {
		cause := "analysis stalled in state " + string(rec.AnalysisStatus)
		if err := s.store.MarkAnalysisFailed(ctx, rec.ID, cause); err != nil {
			// Lost the race to a live worker finishing the record; that is fine.
			s.logger.Debug("stuck record resolved before sweep", "call_id", rec.ID)
			continue
		}
		s.metrics.ObserveStage("sweep", "failed_out")
		s.logger.Warn("failed out stuck analysis",
			"call_id", rec.ID,
			"stuck_in", rec.AnalysisStatus,
			"last_update", rec.UpdatedAt,
		)
		swept++
	}
	return swept, nil
}
