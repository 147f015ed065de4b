// Package reconciliation cross-checks stored escrow records against their
// chains and flags settlements and payment plans that stopped mid-execution.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/planner"
	"github.com/chainsettle/chainsettle/internal/settlement"
)

const (
	DefaultStuckAfter = 15 * time.Minute
	DefaultBatch      = 500
)

// EscrowSource lists escrows and reads their on-chain state.
type EscrowSource interface {
	List(ctx context.Context, f escrow.Filter) ([]*escrow.Record, error)
	VerifyOnChain(ctx context.Context, chainName, id string) (*escrow.Verification, error)
}

// SettlementSource lists settlements and open escalations.
type SettlementSource interface {
	ListSettlements(ctx context.Context, f settlement.Filter) ([]*settlement.Settlement, error)
	ListEscalations(ctx context.Context, includeResolved bool) ([]*settlement.Escalation, error)
}

// PlanSource lists payment plans.
type PlanSource interface {
	ListPlans(ctx context.Context, f planner.Filter) ([]*planner.Plan, error)
}

// Config tunes a Runner.
type Config struct {
	// StuckAfter is how long a settlement may stay settling, or a plan
	// executing, before it is reported.
	StuckAfter time.Duration
	Batch      int
}

// Stuck is an item that has not left an in-flight status in time.
type Stuck struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Since  time.Time `json:"since"`
	Age    string    `json:"age"`
}

// Report summarizes one reconciliation run.
type Report struct {
	EscrowsChecked   int                    `json:"escrowsChecked"`
	EscrowMismatches []*escrow.Verification `json:"escrowMismatches"`
	Unverified       map[string]string      `json:"unverified,omitempty"`
	StuckSettlements []Stuck                `json:"stuckSettlements"`
	StuckPlans       []Stuck                `json:"stuckPlans"`
	OpenEscalations  int                    `json:"openEscalations"`
	CheckErrors      map[string]string      `json:"checkErrors,omitempty"`
	Healthy          bool                   `json:"healthy"`
	Duration         time.Duration          `json:"durationMs"`
	Timestamp        time.Time              `json:"timestamp"`
}

// Runner runs every configured check. Missing sources are skipped.
type Runner struct {
	escrows     EscrowSource
	settlements SettlementSource
	plans       PlanSource
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewRunner creates a Runner with no sources attached.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = DefaultStuckAfter
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Runner{cfg: cfg, logger: logger, now: time.Now}
}

// WithEscrows enables the escrow vs chain check.
func (r *Runner) WithEscrows(s EscrowSource) *Runner {
	r.escrows = s
	return r
}

// WithSettlements enables the stuck settlement and escalation checks.
func (r *Runner) WithSettlements(s SettlementSource) *Runner {
	r.settlements = s
	return r
}

// WithPlans enables the stuck plan check.
func (r *Runner) WithPlans(s PlanSource) *Runner {
	r.plans = s
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunAll runs every check. A failing check does not stop the others; the
// report is always returned and the error joins every check that could not
// run.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{
		EscrowMismatches: []*escrow.Verification{},
		StuckSettlements: []Stuck{},
		StuckPlans:       []Stuck{},
		Timestamp:        start,
	}
	var errs []error
	fail := func(check string, err error) {
		if rep.CheckErrors == nil {
			rep.CheckErrors = make(map[string]string)
		}
		rep.CheckErrors[check] = err.Error()
		errs = append(errs, fmt.Errorf("%s: %w", check, err))
		reconcileErrors.Inc()
	}

	if r.escrows != nil {
		if err := r.checkEscrows(ctx, rep); err != nil {
			fail("escrows", err)
		}
	}
	if r.settlements != nil {
		if err := r.checkSettlements(ctx, rep, start); err != nil {
			fail("settlements", err)
		}
		open, err := r.settlements.ListEscalations(ctx, false)
		if err != nil {
			fail("escalations", err)
		} else {
			rep.OpenEscalations = len(open)
		}
	}
	if r.plans != nil {
		if err := r.checkPlans(ctx, rep, start); err != nil {
			fail("plans", err)
		}
	}

	rep.Healthy = len(errs) == 0 && len(rep.EscrowMismatches) == 0 &&
		len(rep.StuckSettlements) == 0 && len(rep.StuckPlans) == 0 && rep.OpenEscalations == 0
	rep.Duration = r.now().Sub(start)

	reconcileEscrowMismatches.Set(float64(len(rep.EscrowMismatches)))
	reconcileStuckSettlements.Set(float64(len(rep.StuckSettlements)))
	reconcileStuckPlans.Set(float64(len(rep.StuckPlans)))
	reconcileOpenEscalations.Set(float64(rep.OpenEscalations))
	reconcileDuration.Observe(rep.Duration.Seconds())

	if !rep.Healthy {
		r.logger.Warn("reconciliation found issues",
			"escrowMismatches", len(rep.EscrowMismatches),
			"unverified", len(rep.Unverified),
			"stuckSettlements", len(rep.StuckSettlements),
			"stuckPlans", len(rep.StuckPlans),
			"openEscalations", rep.OpenEscalations)
	}
	return rep, errors.Join(errs...)
}

// checkEscrows verifies every open escrow against its chain. Chains that
// cannot be read are reported as unverified, not as mismatches.
func (r *Runner) checkEscrows(ctx context.Context, rep *Report) error {
	for _, st := range []escrow.Status{escrow.StatusActive, escrow.StatusDisputed} {
		recs, err := r.escrows.List(ctx, escrow.Filter{Status: st, Limit: r.cfg.Batch})
		if err != nil {
			return fmt.Errorf("list %s escrows: %w", st, err)
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.EscrowsChecked++
			v, err := r.escrows.VerifyOnChain(ctx, rec.Chain, rec.ID)
			if err != nil {
				if rep.Unverified == nil {
					rep.Unverified = make(map[string]string)
				}
				rep.Unverified[rec.Chain+"/"+rec.ID] = err.Error()
				continue
			}
			if !v.Consistent {
				r.logger.Error("CRITICAL: escrow record diverges from chain",
					"escrowId", rec.ID, "chain", rec.Chain, "mismatches", v.Mismatches)
				rep.EscrowMismatches = append(rep.EscrowMismatches, v)
			}
		}
	}
	return nil
}

func (r *Runner) checkSettlements(ctx context.Context, rep *Report, now time.Time) error {
	list, err := r.settlements.ListSettlements(ctx, settlement.Filter{
		Status:        settlement.StatusSettling,
		UpdatedBefore: now.Add(-r.cfg.StuckAfter),
		Limit:         r.cfg.Batch,
	})
	if err != nil {
		return err
	}
	for _, s := range list {
		rep.StuckSettlements = append(rep.StuckSettlements, stuck(s.ID, string(s.Status), s.UpdatedAt, now))
	}
	sortStuck(rep.StuckSettlements)
	return nil
}

func (r *Runner) checkPlans(ctx context.Context, rep *Report, now time.Time) error {
	list, err := r.plans.ListPlans(ctx, planner.Filter{Status: planner.StatusExecuting, Limit: r.cfg.Batch})
	if err != nil {
		return err
	}
	cutoff := now.Add(-r.cfg.StuckAfter)
	for _, p := range list {
		if p.UpdatedAt.Before(cutoff) {
			rep.StuckPlans = append(rep.StuckPlans, stuck(p.ID, string(p.Status), p.UpdatedAt, now))
		}
	}
	sortStuck(rep.StuckPlans)
	return nil
}

func stuck(id, status string, since, now time.Time) Stuck {
	return Stuck{ID: id, Status: status, Since: since, Age: now.Sub(since).Truncate(time.Second).String()}
}

// sortStuck orders oldest first.
func sortStuck(items []Stuck) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Since.Equal(items[j].Since) {
			return items[i].Since.Before(items[j].Since)
		}
		return items[i].ID < items[j].ID
	})
}
