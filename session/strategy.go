package session

import (
	"context"
	"fmt"
	"log/slog"
)

// normalStrategy fills page rows positionally, batch by batch. After a
// batch the page turns automatically, or the session pauses when manual
// page turns are configured.
type normalStrategy struct{ c *Controller }

func (s *normalStrategy) Execute(ctx context.Context) error { return s.run(ctx) }

// Continue re-enters after a pause; the cursor already points at the
// first unprocessed row.
func (s *normalStrategy) Continue(ctx context.Context) error { return s.run(ctx) }

func (s *normalStrategy) run(ctx context.Context) error {
	c := s.c
	for {
		if !c.checkpoint(ctx) {
			return nil
		}
		remaining := c.queue.Len() - c.queue.Cursor()
		if remaining == 0 {
			return c.complete()
		}

		batch := c.batchSize(ctx, remaining)
		tasks := c.queue.TakeNext(batch)
		offset := 0
		for _, task := range tasks {
			if !c.checkpoint(ctx) {
				return nil
			}
			if c.wasProcessed(task.SourceIndex) {
				c.queue.Advance(1)
				offset++
				continue
			}
			res := c.engine.FillRow(ctx, c.bindings, task.Values, offset)
			if res.AllFailed() {
				// Nothing on this page row took a value: the visible
				// table most likely ended. Leave the task pending for
				// the next page.
				c.emitLog(slog.LevelInfo, fmt.Sprintf("row %d filled nothing, assuming end of table", task.SourceIndex))
				break
			}
			c.finishTask(task, res)
			c.queue.Advance(1)
			offset++
		}

		if c.queue.Cursor() >= c.queue.Len() {
			return c.complete()
		}
		if c.cfg.ManualPageTurn {
			return c.selfPause()
		}
		if c.pager == nil {
			c.emitLog(slog.LevelWarn, "rows remain but no pagination is configured")
			return c.complete()
		}
		turned, err := c.pager.Next(ctx)
		if err != nil {
			return fmt.Errorf("page turn: %w", err)
		}
		if !turned {
			left := c.queue.Len() - c.queue.Cursor()
			c.emitLog(slog.LevelWarn, fmt.Sprintf("no more pages with %d rows remaining", left))
			return c.complete()
		}
	}
}

// anchorStrategy re-reads the key column on every entry, fills the rows
// it can place, and pauses between pages. Single-record mode pauses
// after every task instead.
type anchorStrategy struct{ c *Controller }

func (s *anchorStrategy) Execute(ctx context.Context) error { return s.run(ctx) }

// Continue re-resolves the anchor map for whatever page is now visible.
// Rows settled earlier stay settled through the processed set even when
// the new map overlaps previous pages.
func (s *anchorStrategy) Continue(ctx context.Context) error { return s.run(ctx) }

func (s *anchorStrategy) run(ctx context.Context) error {
	c := s.c

	if !c.checkpoint(ctx) {
		return nil
	}
	pending := c.pendingRows()
	if len(pending) == 0 {
		return c.complete()
	}

	q, err := c.resolver.Resolve(ctx, pending, c.keyPair)
	if err != nil {
		return fmt.Errorf("anchor resolve: %w", err)
	}

	for _, task := range q.TakeNext(-1) {
		if !c.checkpoint(ctx) {
			return nil
		}
		if task.Skipped() {
			// Not on this page. Recorded, but left unprocessed: a
			// later page may carry the row.
			c.recordTask(task)
			c.emitLog(slog.LevelInfo, task.Message)
			continue
		}
		res := c.engine.FillRow(ctx, c.bindings, task.Values, task.DestIndex)
		c.finishTask(task, res)
		if c.cfg.SingleRecord {
			return c.selfPause()
		}
	}

	if len(c.pendingRows()) == 0 {
		return c.complete()
	}
	// Page drained; wait for the operator (or caller) to turn the page
	// and resume.
	return c.selfPause()
}

func (c *Controller) wasProcessed(sourceIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed[sourceIndex]
}
