package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/autoflow/orchestrator-api/orchestrator/model"
)

// Run drives the background escrow timeout sweep until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	logger.Infof("escrow timeout sweep every %s", c.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired(ctx)
		}
	}
}

// SweepExpired force-refunds every expired, still-open escrow, and
// reclaims escrows left open on tasks that already reached a terminal
// state. A sweep racing a completion callback for the same task loses
// cleanly: the transition is rejected and nothing is settled twice.
func (c *Coordinator) SweepExpired(ctx context.Context) int {
	now := time.Now().UTC()
	swept := 0
	for _, esc := range c.escrows.ListOpen() {
		task, err := c.tasks.Get(esc.TaskID)
		if err != nil {
			continue
		}
		// disputes suspend automatic settlement
		if task.Status == model.TaskDisputed {
			continue
		}
		if !now.After(esc.TimeoutAt) {
			continue
		}
		if task.Status.Terminal() {
			// an expired escrow still open on a refunded or failed task
			// is orphaned agent funds (a crash cut the refund short);
			// anything else stays for the operator
			if task.SettlementPending {
				continue
			}
			switch task.Status {
			case model.TaskRefunded, model.TaskFailed:
				if c.refund(ctx, task) == nil {
					swept++
					logger.Warnf("orphaned escrow for terminal task %s refunded", esc.TaskID)
				}
			}
			continue
		}
		err = c.fail(ctx, esc.TaskID, model.ReasonEscrowTimeout, "escrow timed out", true)
		if err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				continue
			}
			logger.Error("sweep failed for task ", esc.TaskID, " err: ", err)
			continue
		}
		swept++
		logger.Warnf("task %s failed by escrow timeout", esc.TaskID)
	}
	return swept
}
