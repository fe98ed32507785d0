// Package session orchestrates one fill run end to end: scan the page,
// match fields to controls, build the task queue, and drive the fill
// strategy on a single worker goroutine with pause, resume, cancel and
// crash-safe progress persistence.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/formweaver/anchor"
	"github.com/hazyhaar/formweaver/dom"
	"github.com/hazyhaar/formweaver/fill"
	"github.com/hazyhaar/formweaver/idgen"
	"github.com/hazyhaar/formweaver/match"
	"github.com/hazyhaar/formweaver/paginate"
	"github.com/hazyhaar/formweaver/progress"
	"github.com/hazyhaar/formweaver/scan"
)

// LogSink receives human-facing progress messages from the worker.
type LogSink func(level slog.Level, msg string)

// ProgressSink receives row-level progress from the worker: rows done,
// total rows, current page.
type ProgressSink func(current, total, page int)

// Strategy is one filling discipline. Execute starts from the current
// cursor; Continue re-enters after a pause. Both run on the session's
// worker goroutine.
type Strategy interface {
	Execute(ctx context.Context) error
	Continue(ctx context.Context) error
}

// Controller runs one session. It is not reusable: terminal states
// require a fresh Controller.
type Controller struct {
	cfg   Config
	h     dom.Handle
	log   *slog.Logger
	store *progress.Store

	scanner  *scan.Scanner
	matcher  *match.Matcher
	engine   *fill.Engine
	resolver *anchor.Resolver
	pager    *paginate.Controller

	id         string
	onLog      LogSink
	onProgress ProgressSink

	pauseReq  atomic.Bool
	cancelReq atomic.Bool

	mu        sync.Mutex
	state     State
	strategy  Strategy
	rows      []anchor.Row
	queue     *anchor.Queue
	bindings  []fill.Binding
	keyPair   anchor.Pair
	processed map[int]bool
	filled    int
	failed    int
	// gate is non-nil exactly while the state is Paused; the worker
	// parks on it and Resume (or Cancel) closes it.
	gate chan struct{}
	// idle is closed when the worker parks or exits; Wait blocks on it.
	idle chan struct{}
}

// New builds a Controller over h. store may be nil (no persistence); a
// nil logger falls back to slog.Default().
func New(h dom.Handle, cfg Config, store *progress.Store, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:       cfg,
		h:         h,
		log:       log,
		store:     store,
		id:        idgen.Prefixed("sess_", idgen.UUIDv7())(),
		state:     StateIdle,
		processed: map[int]bool{},
	}
	c.scanner = scan.New(h, cfg.ScanConfig(), log)
	c.matcher = match.New(cfg.matchConfig(), log)
	c.engine = fill.New(h, cfg.fillConfig(), log)
	c.resolver = anchor.NewResolver(h, cfg.anchorConfig(), log)
	return c
}

// SetSinks installs the log and progress callbacks. Both are invoked
// from the worker goroutine; nil disables the respective sink.
func (c *Controller) SetSinks(logSink LogSink, progressSink ProgressSink) {
	c.onLog = logSink
	c.onProgress = progressSink
}

// SessionID is the durable identifier used by the progress store.
func (c *Controller) SessionID() string { return c.id }

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pager exposes the pagination controller, nil when no next-control is
// configured. The presentation layer uses it for manual page turns.
func (c *Controller) Pager() *paginate.Controller { return c.pager }

// Bindings returns the field/control bindings chosen by Configure.
func (c *Controller) Bindings() []fill.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings
}

// Progress reports rows done, rows total, fill/fail counts and page.
func (c *Controller) Progress() (done, total, filled, failed, page int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processed), len(c.rows), c.filled, c.failed, c.pageLocked()
}

func (c *Controller) pageLocked() int {
	if c.pager == nil {
		return 1
	}
	return c.pager.Page()
}

// Configure scans the page, matches the source fields against the
// discovered controls and selects the strategy. The only fatal
// conditions of a session happen here: no rows, or no usable mapping.
func (c *Controller) Configure(ctx context.Context, rows []anchor.Row) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("session: configure in state %s", c.state)
	}
	c.mu.Unlock()

	if len(rows) == 0 {
		return fmt.Errorf("session: no rows to fill")
	}
	fields := fieldNames(rows)

	scanRes, err := c.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("session: scan: %w", err)
	}
	matched := c.matcher.Match(fields, scanRes.Fingerprints)

	var bindings []fill.Binding
	var keyPair anchor.Pair
	for _, p := range matched.Pairs {
		p.Control.MappedField = p.Field
		if c.cfg.KeyField != "" && p.Field == c.cfg.KeyField {
			keyPair = anchor.Pair{Field: p.Field, Control: p.Control}
			continue
		}
		bindings = append(bindings, fill.Binding{Field: p.Field, Control: p.Control})
	}
	if len(bindings) == 0 {
		return fmt.Errorf("session: no usable field mapping (%d fields, %d controls)",
			len(fields), len(scanRes.Fingerprints))
	}
	if c.cfg.KeyField != "" && keyPair.Control == nil {
		return fmt.Errorf("session: key field %q matched no control", c.cfg.KeyField)
	}
	if keyPair.Control != nil {
		// Anchor mode reads the key column by wildcarding the row index
		// of the key control's structural selector. A key control that
		// cannot be row-generalized can never place a row, so the
		// session must not start.
		if _, ok := keyPair.Control.RowSelector(); !ok {
			return fmt.Errorf("session: key control %q has no row-generalizable selector",
				keyPair.Control.DisplayName())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = rows
	c.bindings = bindings
	c.keyPair = keyPair
	if sel, ok := c.cfg.nextSelector(); ok {
		c.pager = paginate.New(c.h, sel, c.workFrameLocked(), c.cfg.paginateConfig(), c.log)
	}
	if c.cfg.KeyField != "" {
		c.strategy = &anchorStrategy{c}
	} else {
		c.queue = anchor.Sequential(rows)
		c.strategy = &normalStrategy{c}
	}
	c.log.Info("session: configured",
		"session", c.id, "rows", len(rows), "bindings", len(bindings),
		"strategy", strategyName(c.cfg.KeyField), "unmatchedFields", len(matched.UnmatchedFields))
	return nil
}

// RestoreFrom applies a persisted summary and its records so Start
// continues where the previous process stopped. Call after Configure,
// before Start.
func (c *Controller) RestoreFrom(sum *progress.Summary, recs []*progress.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("session: restore in state %s", c.state)
	}
	if c.strategy == nil {
		return fmt.Errorf("session: restore before configure")
	}
	c.id = sum.SessionID
	c.filled = sum.Filled
	c.failed = sum.Failed
	if c.queue != nil {
		c.queue.SetCursor(sum.Cursor)
	}
	if c.pager != nil {
		c.pager.SetPage(sum.Page)
	}
	for _, r := range recs {
		if r.Status == string(anchor.StatusSuccess) || r.Status == string(anchor.StatusError) {
			c.processed[r.SourceRow] = true
		}
	}
	c.log.Info("session: restored", "session", c.id, "cursor", sum.Cursor, "page", sum.Page, "processed", len(c.processed))
	return nil
}

// Start transitions Idle → Running and launches the session's single
// worker goroutine. The worker lives until a terminal state: pauses park
// it on a gate instead of exiting it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.strategy == nil {
		c.mu.Unlock()
		return fmt.Errorf("session: start before configure")
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("session: start in state %s", c.state)
	}
	c.mu.Unlock()

	if err := c.transition(StateRunning); err != nil {
		return err
	}
	c.mu.Lock()
	c.idle = make(chan struct{})
	c.mu.Unlock()
	go c.work(ctx)
	return nil
}

// Pause requests a pause. It takes effect at the next row boundary; the
// in-flight row finishes first.
func (c *Controller) Pause() error {
	if c.State() != StateRunning {
		return fmt.Errorf("session: pause in state %s", c.State())
	}
	c.pauseReq.Store(true)
	return nil
}

// Resume transitions Paused → Running and opens the pause gate; the
// parked worker wakes and re-enters the strategy's continuation. No new
// goroutine is started.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePaused {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: resume in state %s", state)
	}
	c.idle = make(chan struct{})
	c.mu.Unlock()

	c.pauseReq.Store(false)
	return c.transition(StateRunning)
}

// Cancel requests cooperative cancellation. A running worker finishes
// its in-flight row first; a parked worker is released through the gate
// and the session aborts immediately.
func (c *Controller) Cancel() {
	c.cancelReq.Store(true)
	c.mu.Lock()
	paused := c.state == StatePaused
	c.mu.Unlock()
	if paused {
		if err := c.transition(StateAborted); err == nil {
			c.emitLog(slog.LevelWarn, "session cancelled")
		}
	}
}

// Wait blocks until the worker quiesces: parked on a pause, terminal
// state, or fatal error.
func (c *Controller) Wait() {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	if idle != nil {
		<-idle
	}
}

// work is the session's only worker goroutine. It runs the strategy,
// parks on the pause gate whenever the session pauses, and exits on a
// terminal state.
func (c *Controller) work(ctx context.Context) {
	fn := c.strategy.Execute
	for {
		if err := fn(ctx); err != nil {
			c.log.Error("session: worker failed", "session", c.id, "err", err)
			c.emitLog(slog.LevelError, err.Error())
			c.transition(StateAborted)
		}

		c.mu.Lock()
		state := c.state
		gate := c.gate
		idle := c.idle
		c.mu.Unlock()

		switch state {
		case StatePaused:
			close(idle)
			select {
			case <-ctx.Done():
				c.transition(StateAborted)
				return
			case <-gate:
			}
			if c.State() != StateRunning {
				return
			}
		case StateRunning:
			// Resume won the race before the worker parked; keep going
			// without touching the fresh idle channel.
		default:
			close(idle)
			return
		}
		fn = c.strategy.Continue
	}
}

// checkpoint runs between rows: it applies pending cancel or pause
// requests and reports whether the worker should continue.
func (c *Controller) checkpoint(ctx context.Context) bool {
	if c.cancelReq.Load() || ctx.Err() != nil {
		c.transition(StateAborted)
		c.emitLog(slog.LevelWarn, "session cancelled")
		return false
	}
	if c.pauseReq.Load() {
		c.transition(StatePaused)
		c.emitLog(slog.LevelInfo, "session paused")
		return false
	}
	return true
}

func (c *Controller) complete() error {
	err := c.transition(StateCompleted)
	c.emitLog(slog.LevelInfo, "session completed")
	return err
}

func (c *Controller) selfPause() error {
	err := c.transition(StatePaused)
	c.emitLog(slog.LevelInfo, "session paused, waiting for continue")
	return err
}

// transition moves the state machine and synchronously persists the
// summary. Invalid transitions are programming errors and are logged,
// not silently applied. The pause gate is created and released here, in
// the same critical section as the state change, so a Paused state
// always has a gate for the worker to park on.
func (c *Controller) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("session: invalid transition %s -> %s", from, to)
	}
	c.state = to
	var gate chan struct{}
	if to == StatePaused {
		c.gate = make(chan struct{})
	} else if from == StatePaused {
		gate = c.gate
		c.gate = nil
	}
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
	c.log.Info("session: state", "session", c.id, "from", from, "to", to)
	c.saveSummary(to)
	return nil
}

func (c *Controller) saveSummary(state State) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	sum := &progress.Summary{
		SessionID: c.id,
		SourceID:  c.cfg.SourceID,
		TotalRows: len(c.rows),
		Cursor:    c.cursorLocked(),
		Filled:    c.filled,
		Failed:    c.failed,
		Page:      c.pageLocked(),
		Status:    state.String(),
	}
	c.mu.Unlock()
	if err := c.store.SaveSummary(context.Background(), sum); err != nil {
		c.log.Error("session: persist summary", "session", c.id, "err", err)
	}
}

func (c *Controller) cursorLocked() int {
	if c.queue != nil {
		return c.queue.Cursor()
	}
	return len(c.processed)
}

// finishTask settles one executed task: status, counters, dedupe set,
// async record, progress sink. A task fails only when every field
// failed.
func (c *Controller) finishTask(task *anchor.Task, res fill.RowResult) {
	if res.AllFailed() {
		task.Status = anchor.StatusError
		task.Message = firstError(res)
	} else {
		task.Status = anchor.StatusSuccess
	}
	c.mu.Lock()
	c.processed[task.SourceIndex] = true
	if task.Status == anchor.StatusSuccess {
		c.filled++
	} else {
		c.failed++
	}
	done, total, page := len(c.processed), len(c.rows), c.pageLocked()
	c.mu.Unlock()

	c.recordTask(task)
	if c.onProgress != nil {
		c.onProgress(done, total, page)
	}
}

// recordTask dispatches the row outcome to the store, fire and forget.
func (c *Controller) recordTask(task *anchor.Task) {
	if c.store == nil {
		return
	}
	c.store.RecordAsync(&progress.Record{
		SessionID:   c.id,
		SourceRow:   task.SourceIndex,
		Page:        c.page(),
		DestRow:     task.DestIndex,
		Values:      task.Values,
		Status:      string(task.Status),
		AnchorValue: task.AnchorValue,
		Error:       task.Message,
	})
}

func (c *Controller) page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageLocked()
}

func (c *Controller) emitLog(level slog.Level, msg string) {
	if c.onLog != nil {
		c.onLog(level, msg)
	}
}

// pendingRows returns the source rows not yet settled, in order.
func (c *Controller) pendingRows() []anchor.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []anchor.Row
	for _, r := range c.rows {
		if !c.processed[r.Index] {
			out = append(out, r)
		}
	}
	return out
}

func (c *Controller) workFrameLocked() dom.FramePath {
	if len(c.bindings) > 0 {
		return c.bindings[0].Control.Frame.Path
	}
	return nil
}

const rowCountJS = `(() => document.querySelectorAll('table tbody tr').length)()`

const defaultBatch = 10

// batchSize picks the per-page batch: the configured size, else a probe
// of the visible table's row count, else a conservative default.
func (c *Controller) batchSize(ctx context.Context, remaining int) int {
	n := c.cfg.BatchSize
	if n <= 0 {
		c.mu.Lock()
		frame := c.workFrameLocked()
		c.mu.Unlock()
		if raw, err := c.h.Eval(ctx, frame, rowCountJS); err == nil {
			var k int
			if json.Unmarshal(raw, &k) == nil && k > 0 {
				n = k
			}
		}
	}
	if n <= 0 {
		n = defaultBatch
	}
	if n > remaining {
		n = remaining
	}
	return n
}

func fieldNames(rows []anchor.Row) []string {
	seen := map[string]bool{}
	for _, r := range rows {
		for k := range r.Values {
			seen[k] = true
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func firstError(res fill.RowResult) string {
	for _, fr := range res.Results {
		if !fr.OK && fr.Err != "" {
			return fr.Err
		}
	}
	return "all fields failed"
}

func strategyName(keyField string) string {
	if keyField != "" {
		return "anchor"
	}
	return "sequential"
}
