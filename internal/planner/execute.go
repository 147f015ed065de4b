package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/escrow"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/traces"
)

// ExecutePlan deposits every fragment of a planned plan. Fragment outcomes
// are independent: a failure on one chain does not undo deposits already
// confirmed elsewhere. The returned plan is completed only if every fragment
// confirmed; a failed plan leaves compensation of confirmed fragments to the
// caller.
func (p *Planner) ExecutePlan(ctx context.Context, planID string, opts ExecOptions) (*Plan, error) {
	plan, err := p.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != StatusPlanned {
		return nil, fmt.Errorf("%w: plan %s is %s", ErrInvalidState, planID, plan.Status)
	}
	if err := p.store.UpdateStatus(ctx, planID, StatusExecuting, StatusPlanned, p.now()); err != nil {
		return nil, err
	}
	plan.Status = StatusExecuting
	p.emit(ctx, plan, StatusPlanned, opts.Actor, map[string]string{"parallel": fmt.Sprint(opts.Parallel)})

	ctx, span := traces.StartSpan(ctx, "planner.ExecutePlan", traces.PlanID(planID), traces.Amount(plan.TotalAmount.String()))
	defer span.End()

	// Bookkeeping must land even if the caller gives up mid-run.
	persist := context.WithoutCancel(ctx)

	if opts.Parallel {
		var wg sync.WaitGroup
		for i := range plan.Fragments {
			wg.Add(1)
			go func(f *Fragment) {
				defer wg.Done()
				p.runFragment(ctx, persist, plan, f, true)
			}(&plan.Fragments[i])
		}
		wg.Wait()
	} else {
		for i := range plan.Fragments {
			if i > 0 && opts.Delay > 0 {
				if err := sleep(ctx, opts.Delay); err != nil {
					p.failRemaining(persist, plan, i, err)
					break
				}
			}
			p.runFragment(ctx, persist, plan, &plan.Fragments[i], false)
		}
	}

	final := plan.outcome()
	if err := p.store.UpdateStatus(persist, planID, final, StatusExecuting, p.now()); err != nil {
		p.logger.Error("CRITICAL: plan executed but final status not stored",
			"planId", planID, "status", final, "error", err)
		return nil, fmt.Errorf("store plan %s outcome: %w", planID, err)
	}
	plan.Status = final
	plan.UpdatedAt = p.now()

	var detail map[string]string
	if final == StatusFailed {
		detail = map[string]string{
			"confirmed": plan.Confirmed().String(),
			"target":    plan.TotalAmount.String(),
		}
		traces.End(span, errors.New("plan failed"))
	}
	p.emit(persist, plan, StatusExecuting, opts.Actor, detail)
	return plan.Clone(), nil
}

// runFragment submits one deposit and records its outcome on f.
func (p *Planner) runFragment(ctx, persist context.Context, plan *Plan, f *Fragment, serialize bool) {
	ctx, span := traces.StartSpan(ctx, "planner.fragment",
		traces.PlanID(plan.ID), traces.FragmentIndex(f.Index), traces.Chain(f.Chain), traces.EscrowID(f.TargetEscrowID))

	if serialize {
		unlock, err := p.submit.LockContext(ctx, f.Chain)
		if err != nil {
			p.finishFragment(persist, plan.ID, f, nil, err)
			traces.End(span, err)
			return
		}
		defer unlock()
	}

	f.Status = FragmentSubmitted
	f.UpdatedAt = p.now()
	if err := p.store.UpdateFragment(persist, plan.ID, *f); err != nil {
		p.logger.Warn("failed to store fragment submission", "planId", plan.ID, "fragment", f.Index, "error", err)
	}

	rec, err := p.depositor.Deposit(ctx, escrow.DepositRequest{
		ID:           f.TargetEscrowID,
		Chain:        f.Chain,
		Token:        plan.Token,
		PayerAddr:    f.SourceWallet,
		MerchantID:   plan.MerchantID,
		MerchantAddr: plan.MerchantAddr,
		Amount:       f.Amount,
		Reference:    plan.ID,
		Timeout:      p.cfg.EscrowTimeout,
	})
	p.finishFragment(persist, plan.ID, f, rec, err)
	traces.End(span, err)
}

func (p *Planner) finishFragment(persist context.Context, planID string, f *Fragment, rec *escrow.Record, err error) {
	f.UpdatedAt = p.now()
	if err != nil {
		f.Status = FragmentFailed
		f.Error = err.Error()
		p.logger.Warn("fragment failed", "planId", planID, "fragment", f.Index, "chain", f.Chain, "error", err)
	} else {
		f.Status = FragmentConfirmed
		f.Error = ""
		if rec != nil {
			f.DepositTx = rec.DepositTx
		}
	}
	metrics.FragmentsTotal.WithLabelValues(f.Chain, string(f.Status)).Inc()
	if werr := p.store.UpdateFragment(persist, planID, *f); werr != nil {
		p.logger.Error("failed to store fragment outcome",
			"planId", planID, "fragment", f.Index, "status", f.Status, "error", werr)
	}
}

// failRemaining marks fragments from index on as failed without submitting.
func (p *Planner) failRemaining(persist context.Context, plan *Plan, from int, cause error) {
	for i := from; i < len(plan.Fragments); i++ {
		p.finishFragment(persist, plan.ID, &plan.Fragments[i], nil, fmt.Errorf("not submitted: %w", cause))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
