// Package paginate drives the page-turn control of a tabular form. The
// controller never clicks blind: a disabled probe runs first, and a
// click only counts once the page content demonstrably changed.
// Exhausting the retry budget is a normal outcome (no more pages), not
// an error.
package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/formweaver/dom"
)

// Config tunes the controller. Zero values take defaults.
type Config struct {
	// ClickTimeout bounds locating the next control. Default 3s.
	ClickTimeout time.Duration
	// PollInterval between change/ready polls. Default 500ms.
	PollInterval time.Duration
	// ChangeWait bounds waiting for the page to visibly change after a
	// click. Default 8s.
	ChangeWait time.Duration
	// Retries is the click budget per page turn. Default 3.
	Retries int
	// ReadyWait bounds WaitReady's overlay polling. Default 10s.
	ReadyWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClickTimeout <= 0 {
		c.ClickTimeout = 3 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ChangeWait <= 0 {
		c.ChangeWait = 8 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = 10 * time.Second
	}
}

// PageState is a content snapshot used to detect that a page turn
// actually happened.
type PageState struct {
	Page        int
	URL         string
	Fingerprint string
	Controls    int
	Taken       time.Time
}

// Controller turns pages through one next-control.
type Controller struct {
	h     dom.Handle
	next  dom.Selector
	frame dom.FramePath
	cfg   Config
	log   *slog.Logger

	mu   sync.Mutex
	page int
}

// New returns a Controller for the next-control sel inside frame. The
// page counter starts at 1. A nil logger falls back to slog.Default().
func New(h dom.Handle, next dom.Selector, frame dom.FramePath, cfg Config, log *slog.Logger) *Controller {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Controller{h: h, next: next, frame: frame, cfg: cfg, log: log, page: 1}
}

// Page is the current 1-based page number.
func (c *Controller) Page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// SetPage restores the counter on resume. Values below 1 clamp to 1.
func (c *Controller) SetPage(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 {
		n = 1
	}
	c.page = n
}

const disabledProbeJS = `((sel, isXPath) => {
  const el = isXPath
    ? document.evaluate(sel, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue
    : document.querySelector(sel);
  if (!el) return { found: false, disabled: true };
  const cls = ['disabled', 'is-disabled', 'ant-pagination-disabled', 'layui-disabled'];
  const attr = el.disabled === true
    || el.getAttribute('disabled') !== null
    || el.getAttribute('aria-disabled') === 'true'
    || cls.some((c) => el.classList.contains(c));
  const cs = getComputedStyle(el);
  const inert = cs.pointerEvents === 'none' || parseFloat(cs.opacity) < 0.4;
  return { found: true, disabled: attr || inert };
})`

const stateJS = `(() => {
  const ind = document.querySelector(
    '.el-pagination .active, .el-pager .active, .ant-pagination-item-active, .pagination .active, .layui-laypage-curr');
  let fp;
  if (ind) {
    fp = 'page:' + ind.textContent.trim();
  } else {
    const row = document.querySelector('table tbody tr, table tr:nth-child(2)');
    fp = row ? 'row:' + row.textContent.trim().slice(0, 120) : 'time:' + Date.now();
  }
  const controls = document.querySelectorAll('input, textarea, select').length;
  return { fingerprint: fp, controls };
})()`

const loadingJS = `(() => !!document.querySelector(
  '.el-loading-mask, .ant-spin-spinning, .loading-overlay, [data-loading="true"]'))()`

type probeResult struct {
	Found    bool `json:"found"`
	Disabled bool `json:"disabled"`
}

// HasNext probes the next-control without clicking. Any disabled signal
// (attribute, aria, class token, computed style) means no more pages; a
// missing control does too.
func (c *Controller) HasNext(ctx context.Context) bool {
	script := fmt.Sprintf("%s(%s, %v)", disabledProbeJS, jsStr(c.next.Value), c.next.IsXPath())
	raw, err := c.h.Eval(ctx, c.frame, script)
	if err != nil {
		c.log.Warn("paginate: disabled probe failed", "err", err)
		return false
	}
	var res probeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.log.Warn("paginate: decode disabled probe", "err", err)
		return false
	}
	return res.Found && !res.Disabled
}

// Snapshot captures the current page state.
func (c *Controller) Snapshot(ctx context.Context) (PageState, error) {
	raw, err := c.h.Eval(ctx, c.frame, stateJS)
	if err != nil {
		return PageState{}, fmt.Errorf("paginate: snapshot: %w", err)
	}
	var body struct {
		Fingerprint string `json:"fingerprint"`
		Controls    int    `json:"controls"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return PageState{}, fmt.Errorf("paginate: decode snapshot: %w", err)
	}
	return PageState{
		Page:        c.Page(),
		URL:         c.h.URL(),
		Fingerprint: body.Fingerprint,
		Controls:    body.Controls,
		Taken:       time.Now(),
	}, nil
}

// Next attempts one page turn. Returns false with nil error when there
// are no more pages, whether detected by the disabled probe or by the
// retry budget running out with no visible change. True means the page
// turned and the counter advanced.
func (c *Controller) Next(ctx context.Context) (bool, error) {
	if !c.HasNext(ctx) {
		c.log.Info("paginate: next control disabled or missing", "page", c.Page())
		return false, nil
	}
	before, err := c.Snapshot(ctx)
	if err != nil {
		return false, err
	}

	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		if err := c.click(ctx); err != nil {
			c.log.Warn("paginate: click failed", "attempt", attempt, "err", err)
			continue
		}
		changed, err := c.waitChanged(ctx, before)
		if err != nil {
			return false, err
		}
		if changed {
			c.mu.Lock()
			c.page++
			page := c.page
			c.mu.Unlock()
			c.log.Info("paginate: page turned", "page", page)
			if err := c.WaitReady(ctx); err != nil {
				return true, err
			}
			return true, nil
		}
		c.log.Debug("paginate: no visible change after click", "attempt", attempt)
	}
	c.log.Info("paginate: no page change after retries, treating as last page", "page", c.Page())
	return false, nil
}

func (c *Controller) click(ctx context.Context) error {
	el, err := c.h.Locate(ctx, c.frame, c.next, c.cfg.ClickTimeout)
	if err != nil {
		return err
	}
	return el.Click(ctx)
}

// waitChanged polls for a snapshot differing from before, bounded by
// ChangeWait.
func (c *Controller) waitChanged(ctx context.Context, before PageState) (bool, error) {
	deadline := time.Now().Add(c.cfg.ChangeWait)
	for {
		after, err := c.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		if after.Fingerprint != before.Fingerprint || after.URL != before.URL {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// WaitReady polls until no loading overlay is visible or ReadyWait
// elapses. Timing out is logged, not an error: the caller's next probe
// will see whatever state the page is in.
func (c *Controller) WaitReady(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.ReadyWait)
	for {
		raw, err := c.h.Eval(ctx, c.frame, loadingJS)
		if err != nil {
			return fmt.Errorf("paginate: ready probe: %w", err)
		}
		var loading bool
		if err := json.Unmarshal(raw, &loading); err != nil {
			return fmt.Errorf("paginate: decode ready probe: %w", err)
		}
		if !loading {
			return nil
		}
		if !time.Now().Before(deadline) {
			c.log.Warn("paginate: loading overlay still visible after wait")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func jsStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
