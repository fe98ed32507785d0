// Package fill writes values into scanned controls. Each write walks a
// degradation ladder: rich scripted write on the best selector, plain
// clear-and-type through the fallback selector chain, and (in
// single-record mode) one bounded relocation by label proximity. A row
// fails only when every attempted field failed.
package fill

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/formweaver/dom"
	"github.com/hazyhaar/formweaver/fingerprint"
)

//go:embed write.js
var writeJS string

//go:embed highlight.js
var highlightJS string

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// FallbackTimeout bounds each alternative-selector locate. Default 1s.
	FallbackTimeout time.Duration
	// Heal enables the one-shot label-proximity relocation when the
	// whole selector chain fails. The session enables it only in
	// single-record mode; batch runs skip it for throughput.
	Heal bool
	// HighlightDuration is how long Highlight keeps the outline. Default 2s.
	HighlightDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = time.Second
	}
	if c.HighlightDuration <= 0 {
		c.HighlightDuration = 2 * time.Second
	}
}

// Binding ties one data field to its mapped control.
type Binding struct {
	Field   string
	Control *fingerprint.Fingerprint
}

// FieldResult is the outcome of one field write.
type FieldResult struct {
	Field  string
	OK     bool
	Method string // rich, group, fallback:<kind>, healed
	Err    string
}

// RowResult aggregates one row's writes.
type RowResult struct {
	Filled  int
	Failed  int
	Results []FieldResult
}

// AllFailed reports whether every attempted field failed. Only then is
// the row itself considered failed.
func (r RowResult) AllFailed() bool { return r.Failed > 0 && r.Filled == 0 }

// Empty reports no field got written. In batch mode the caller treats an
// empty row as the end of the visible table. That is a heuristic: a
// legitimately unfillable row also looks empty.
func (r RowResult) Empty() bool { return r.Filled == 0 }

// Engine writes values through a dom.Handle.
type Engine struct {
	h   dom.Handle
	cfg Config
	log *slog.Logger
}

// New returns an Engine over h. A nil logger falls back to slog.Default().
func New(h dom.Handle, cfg Config, log *slog.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{h: h, cfg: cfg, log: log}
}

// FillRow writes every bound field of one row. Fields with no value in
// the row are skipped silently. rowOffset is the 0-based destination page
// row: it selects the sub-control of grouped fingerprints and rebinds
// tabular selectors to that row.
func (e *Engine) FillRow(ctx context.Context, bindings []Binding, values map[string]string, rowOffset int) RowResult {
	var res RowResult
	for _, b := range bindings {
		val, ok := values[b.Field]
		if !ok || strings.TrimSpace(val) == "" {
			continue
		}
		method, err := e.Fill(ctx, b.Control, val, rowOffset)
		fr := FieldResult{Field: b.Field, Method: method}
		if err != nil {
			fr.Err = err.Error()
			res.Failed++
			e.log.Warn("fill: field failed", "field", b.Field, "control", b.Control.DisplayName(), "err", err)
		} else {
			fr.OK = true
			res.Filled++
			e.log.Debug("fill: field written", "field", b.Field, "method", method)
		}
		res.Results = append(res.Results, fr)
	}
	return res
}

// Fill writes one value into one control, degrading through the selector
// chain. The fingerprint's frame path scopes every operation, so no
// frame state leaks between writes.
func (e *Engine) Fill(ctx context.Context, fp *fingerprint.Fingerprint, value string, rowOffset int) (string, error) {
	value = shapeValue(fp, value)
	frame := fp.Frame.Path

	// Grouped fingerprints address the sub-control directly; the
	// primary selector points at a different row.
	if m, ok := fp.MemberFor(rowOffset); ok {
		if err := e.writeRich(ctx, frame, m.Selector, value); err == nil {
			return "group", nil
		} else if err = e.writePlain(ctx, frame, m.Selector, value); err == nil {
			return "group", nil
		} else {
			return "", fmt.Errorf("fill: group member row %d: %w", rowOffset, err)
		}
	}

	// Tabular fingerprints write through the structural selector rebound
	// to the destination row. The scanned chain addresses whichever row
	// the scan happened to see; reusing it across rows would overwrite
	// one row again and again.
	primary := fp.Primary()
	fallbacks := fp.Fallbacks()
	if sel, ok := fp.SelectorForRow(rowOffset); ok {
		primary = sel
		fallbacks = []dom.Selector{sel}
	}

	var lastErr error
	if primary.Value != "" {
		if err := e.writeRich(ctx, frame, primary, value); err == nil {
			return "rich", nil
		} else {
			lastErr = err
		}
	}

	for _, sel := range fallbacks {
		if err := e.writePlain(ctx, frame, sel, value); err == nil {
			return "fallback:" + sel.Kind.String(), nil
		} else {
			lastErr = err
		}
	}

	if e.cfg.Heal {
		if sel, ok := healSelector(fp); ok {
			e.log.Info("fill: healing", "control", fp.DisplayName(), "selector", sel.Value)
			if err := e.writePlain(ctx, frame, sel, value); err == nil {
				return "healed", nil
			} else {
				lastErr = err
			}
		}
	}

	if lastErr == nil {
		lastErr = dom.ErrElementNotFound
	}
	return "", fmt.Errorf("fill: %s: %w", fp.DisplayName(), lastErr)
}

type writeResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// writeRich runs the embedded event-sequence script against sel.
func (e *Engine) writeRich(ctx context.Context, frame dom.FramePath, sel dom.Selector, value string) error {
	script := fmt.Sprintf("(%s)(%s, %v, %s)",
		strings.TrimSpace(writeJS), jsStr(sel.Value), sel.IsXPath(), jsStr(value))
	raw, err := e.h.Eval(ctx, frame, script)
	if err != nil {
		return err
	}
	var res writeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode write result: %w", err)
	}
	if !res.OK {
		if res.Reason == "not-found" {
			return fmt.Errorf("%w: %s", dom.ErrElementNotFound, sel.Value)
		}
		return fmt.Errorf("write rejected: %s", res.Reason)
	}
	return nil
}

// writePlain is the degraded path: locate, clear, type.
func (e *Engine) writePlain(ctx context.Context, frame dom.FramePath, sel dom.Selector, value string) error {
	el, err := e.h.Locate(ctx, frame, sel, e.cfg.FallbackTimeout)
	if err != nil {
		return err
	}
	if err := el.Clear(ctx); err != nil {
		return err
	}
	return el.Type(ctx, value)
}

// Highlight flashes an outline on the control for operator review.
func (e *Engine) Highlight(ctx context.Context, fp *fingerprint.Fingerprint) error {
	sel := fp.Primary()
	if sel.Value == "" {
		return fmt.Errorf("fill: highlight %s: no selector", fp.DisplayName())
	}
	script := fmt.Sprintf("(%s)(%s, %v, %d)",
		strings.TrimSpace(highlightJS), jsStr(sel.Value), sel.IsXPath(), e.cfg.HighlightDuration.Milliseconds())
	raw, err := e.h.Eval(ctx, fp.Frame.Path, script)
	if err != nil {
		return fmt.Errorf("fill: highlight: %w", err)
	}
	var res writeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("fill: highlight: decode: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("fill: highlight %s: %w", sel.Value, dom.ErrElementNotFound)
	}
	return nil
}

// healSelector builds the one-shot relocation selector from the
// control's label texts.
func healSelector(fp *fingerprint.Fingerprint) (dom.Selector, bool) {
	for _, t := range []string{fp.Label, fp.FormLabel, fp.AriaLabel, fp.NearbyText} {
		t = strings.TrimSpace(t)
		if t == "" || strings.ContainsAny(t, `"'`) {
			continue
		}
		tag := fp.Tag
		if tag == "" {
			tag = "input"
		}
		v := fmt.Sprintf(`//*[contains(normalize-space(text()), "%s")]/following::%s[1]`, t, tag)
		return dom.Selector{Kind: dom.KindText, Value: v}, true
	}
	return dom.Selector{}, false
}

var slashDate = regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})$`)

// shapeValue normalizes values for controls that are picky about format.
// Today that is slash dates into ISO dates for date inputs.
func shapeValue(fp *fingerprint.Fingerprint, value string) string {
	if fp.Type == "date" {
		if m := slashDate.FindStringSubmatch(strings.TrimSpace(value)); m != nil {
			return m[1] + "-" + pad2(m[2]) + "-" + pad2(m[3])
		}
	}
	return value
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func jsStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
