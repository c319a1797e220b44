/*
scheduler.go - Automated ledger audit scheduler

PURPOSE:
  Periodically walks every student's grants and checks that each grant's
  balance is explained by its ledger entries (conservation). Drift is
  never repaired here: it is logged at error level and exported as a
  gauge so someone looks at it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Uses the same read paths as the API (booking.Service), one short
    transaction per student and per grant
  - Keeps the summary of the last run for the admin endpoint

CONFIGURATION:
  - CheckInterval: How often to check (engine.audit_interval, default 1h)
  - Enabled: Whether scheduler is active (false when the interval is 0)

USAGE:
  scheduler := NewLedgerAuditScheduler(store, service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - credits/balance.go: ReconcileGrant
  - handlers.go: ReconcileGrant endpoint (single grant, on demand)
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/booking"
	"github.com/courtside/academy-ledger/credits"
	"github.com/courtside/academy-ledger/metrics"
)

// StudentLister lists every student. The SQL store implements it.
type StudentLister interface {
	ListStudents(ctx context.Context) ([]credits.Student, error)
}

// AuditRun summarises one pass over the ledger.
type AuditRun struct {
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Students    int               `json:"students"`
	Grants      int               `json:"grants"`
	Drifted     []credits.GrantID `json:"drifted"`
	Errors      int               `json:"errors"`
}

// LedgerAuditScheduler runs the conservation check in the background.
type LedgerAuditScheduler struct {
	Students      StudentLister
	Service       *booking.Service
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun *AuditRun
	nextRun time.Time
}

// AuditStatus is what the admin endpoint reports.
type AuditStatus struct {
	LastRun   *AuditRun  `json:"last_run"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// NewLedgerAuditScheduler creates a new scheduler.
func NewLedgerAuditScheduler(students StudentLister, svc *booking.Service, logger *zap.Logger) *LedgerAuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerAuditScheduler{
		Students:      students,
		Service:       svc,
		Logger:        logger,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *LedgerAuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("ledger audit disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("ledger audit started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *LedgerAuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.setNextRun(time.Time{})
		s.Logger.Info("ledger audit stopped")
	}
}

func (s *LedgerAuditScheduler) run() {
	defer s.wg.Done()
	ticks, stop := s.ticker.C, s.stop

	// Run immediately on start
	s.RunNow(context.Background())
	s.setNextRun(time.Now().Add(s.CheckInterval))

	for {
		select {
		case <-ticks:
			s.RunNow(context.Background())
			s.setNextRun(time.Now().Add(s.CheckInterval))
		case <-stop:
			return
		}
	}
}

func (s *LedgerAuditScheduler) setNextRun(t time.Time) {
	s.lastMu.Lock()
	s.nextRun = t
	s.lastMu.Unlock()
}

// RunNow performs one full pass and returns its summary.
func (s *LedgerAuditScheduler) RunNow(ctx context.Context) AuditRun {
	run := AuditRun{StartedAt: time.Now()}

	students, err := s.Students.ListStudents(ctx)
	if err != nil {
		s.Logger.Error("ledger audit: list students", zap.Error(err))
		run.Errors++
		return s.finish(run)
	}

	for _, st := range students {
		run.Students++
		summary, err := s.Service.Balance(ctx, st.ID)
		if err != nil {
			s.Logger.Warn("ledger audit: balance", zap.String("student_id", string(st.ID)), zap.Error(err))
			run.Errors++
			continue
		}
		for _, gb := range summary.Grants {
			run.Grants++
			rec, err := s.Service.Reconcile(ctx, gb.Grant.ID)
			if err != nil {
				run.Errors++
				continue
			}
			if !rec.Balanced() {
				run.Drifted = append(run.Drifted, gb.Grant.ID)
			}
		}
	}
	return s.finish(run)
}

func (s *LedgerAuditScheduler) finish(run AuditRun) AuditRun {
	run.CompletedAt = time.Now()
	metrics.LedgerDriftGrants.Set(float64(len(run.Drifted)))
	metrics.LedgerAuditRuns.Inc()

	s.lastMu.Lock()
	s.lastRun = &run
	s.lastMu.Unlock()

	if len(run.Drifted) > 0 || run.Errors > 0 {
		s.Logger.Error("ledger audit completed with problems",
			zap.Int("grants", run.Grants),
			zap.Int("drifted", len(run.Drifted)),
			zap.Int("errors", run.Errors))
	} else {
		s.Logger.Info("ledger audit completed",
			zap.Int("students", run.Students),
			zap.Int("grants", run.Grants))
	}
	return run
}

// LastRun returns the summary of the latest pass, or nil before the first.
func (s *LedgerAuditScheduler) LastRun() *AuditRun {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}

// GetNextRunTime returns when the next scheduled check will occur, or the
// zero time while the scheduler is not running.
func (s *LedgerAuditScheduler) GetNextRunTime() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.nextRun
}

// Status reports the last run and the next scheduled one.
func (s *LedgerAuditScheduler) Status() AuditStatus {
	status := AuditStatus{LastRun: s.LastRun()}
	if next := s.GetNextRunTime(); !next.IsZero() {
		status.NextRunAt = &next
	}
	return status
}

// =============================================================================
// HANDLERS
// =============================================================================

// GetLedgerAudit returns the last audit run and when the next one is due.
func (h *Handler) GetLedgerAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Ledger audit is disabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Audit.Status())
}

// RunLedgerAudit runs a pass immediately and returns it.
func (h *Handler) RunLedgerAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Ledger audit is disabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Audit.RunNow(r.Context()))
}
