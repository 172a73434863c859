package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/types"
)

// Hard bounds that stop a runaway loop regardless of what pagination
// checks report.
const (
	maxLoopItems         = 200
	maxLoopAdvances      = 50
	maxConsecutiveEmpty  = 3
	advanceAgentTimeout  = 90 * time.Second
	advanceMaxIterations = 4
)

// executeLoop alternates item discovery, per-item body execution, and
// pagination. A failing iteration is recorded but never stops the loop;
// only abort or a hard bound does.
func (r *Runner) executeLoop(ctx context.Context, step *types.Step) error {
	sess, err := r.currentSession()
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	totalItems := 0
	advances := 0
	emptyStreak := 0
	advanced := false

	for {
		if err := r.checkAborted(); err != nil {
			return err
		}

		page, err := sess.Page()
		if err != nil {
			return err
		}

		items, err := r.engine.IdentifyLoopItems(ctx, page, step.Description, known)
		if err != nil {
			return fmt.Errorf("failed to identify loop items: %w", err)
		}
		log.Infof("run %s loop discovered %d new items (total %d)", r.RunID(), len(items), totalItems)

		if advanced {
			if len(items) == 0 {
				emptyStreak++
				if emptyStreak >= maxConsecutiveEmpty {
					log.Infof("run %s loop stopping after %d empty advances", r.RunID(), emptyStreak)
					return nil
				}
			} else {
				emptyStreak = 0
			}
		}

		for _, item := range items {
			known[item.Fingerprint] = true

			// Step failures inside the body are recorded per step and do
			// not stop the loop; only abort unwinds from here.
			if err := r.runIteration(ctx, sess, step, totalItems, item); err != nil {
				return err
			}

			totalItems++
			if totalItems >= maxLoopItems {
				log.Infof("run %s loop stopping at item cap (%d)", r.RunID(), maxLoopItems)
				return nil
			}
		}

		page, err = sess.Page()
		if err != nil {
			return err
		}
		check, err := r.engine.CheckPagination(ctx, page, totalItems)
		if err != nil {
			log.Warnf("run %s pagination check failed, stopping loop: %v", r.RunID(), err)
			return nil
		}
		if !check.HasMore || check.Action == types.PaginationNone {
			return nil
		}

		if advances >= maxLoopAdvances {
			log.Infof("run %s loop stopping at advance cap (%d)", r.RunID(), maxLoopAdvances)
			return nil
		}
		if err := r.advancePage(ctx, page, check); err != nil {
			log.Warnf("run %s loop advance failed, stopping: %v", r.RunID(), err)
			return nil
		}
		advances++
		advanced = true
	}
}

// runIteration executes the loop body for one item, bracketed by
// loop:iteration events. Tabs opened during the iteration are closed and
// focus is restored before the next iteration begins.
func (r *Runner) runIteration(ctx context.Context, sess Session, step *types.Step, iteration int, item types.ExtractionItem) error {
	r.emit(types.NewLoopIterationStartEvent(r.RunID(), iteration, item.Data))

	tabsBefore := len(sess.Tabs())
	activeBefore := sess.ActiveTabIndex()
	resultsBefore := r.resultCount()

	loopCtx := &types.LoopContext{Item: item.Data, ItemIndex: iteration}
	err := r.executeSequence(ctx, step.Steps, loopCtx)

	r.cleanupIterationTabs(sess, tabsBefore, activeBefore)
	success := err == nil && r.resultsSucceededSince(resultsBefore)
	r.emit(types.NewLoopIterationEndEvent(r.RunID(), iteration, success))
	return err
}

func (r *Runner) resultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stepResults)
}

func (r *Runner) resultsSucceededSince(from int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.stepResults[from:] {
		if !res.Success {
			return false
		}
	}
	return true
}

// cleanupIterationTabs closes tabs the iteration opened (never the first
// tab) and restores the previously active tab.
func (r *Runner) cleanupIterationTabs(sess Session, tabsBefore, activeBefore int) {
	tabs := sess.Tabs()
	for i := len(tabs) - 1; i >= tabsBefore && i > 0; i-- {
		if err := sess.CloseTab(i); err != nil {
			log.Warnf("run %s failed to close iteration tab %d: %v", r.RunID(), i, err)
		}
	}
	if activeBefore < len(sess.Tabs()) {
		if err := sess.ActivateTab(activeBefore); err != nil {
			log.Warnf("run %s failed to restore tab focus: %v", r.RunID(), err)
		}
	}
}

// advancePage performs the pagination action through a short-lived agent so
// selector drift on the live page does not break the loop.
func (r *Runner) advancePage(ctx context.Context, page browser.Page, check *types.PaginationCheck) error {
	instruction := advanceInstruction(check)

	agentCtx, cancel := context.WithTimeout(ctx, advanceAgentTimeout)
	defer cancel()

	opts := []browser.AgentOption{browser.WithMaxIterations(advanceMaxIterations)}
	if r.model != "" {
		opts = append(opts, browser.WithModel(r.model))
	}
	agent := browser.NewActionAgent(r.client, page, opts...)
	return agent.Run(agentCtx, instruction)
}

func advanceInstruction(check *types.PaginationCheck) string {
	var base string
	switch check.Action {
	case types.PaginationScrollDown:
		base = "Scroll down to reveal more list items."
	case types.PaginationClickNext:
		base = "Click the control that moves to the next page of results."
	case types.PaginationClickLoadMore:
		base = "Click the control that loads more results into the current list."
	default:
		base = "Advance to the next batch of list items."
	}
	if check.SelectorHint != "" {
		base += fmt.Sprintf(" A likely selector is %q.", check.SelectorHint)
	}
	return base
}
