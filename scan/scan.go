// Package scan discovers data-entry controls on the live page. The probe
// script runs repeatedly until the control count settles, then the raw
// descriptors become fingerprints. Frames are scanned breadth-first with
// per-frame budgets; a total failure of the rich probe degrades to a
// simplified parse of the page HTML.
package scan

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/formweaver/dom"
	"github.com/hazyhaar/formweaver/fingerprint"
)

//go:embed probe.js
var probeJS string

// Config tunes the scanner. Zero values take defaults.
type Config struct {
	// Interval between stability polls. Default 500ms.
	Interval time.Duration
	// MaxWait bounds one frame's stability loop. A loading overlay can
	// stretch it up to twice over. Default 10s.
	MaxWait time.Duration
	// StablePolls is how many consecutive polls must report the same
	// non-zero count before the snapshot is considered stable. Default 2.
	StablePolls int
	// MaxDepth bounds frame nesting; frames deeper than this are not
	// descended into. Default 3.
	MaxDepth int
	// MinFrameWidth/MinFrameHeight skip decorative frames. Default 50.
	MinFrameWidth  float64
	MinFrameHeight float64
	// BusinessKeywords mark frame URLs that deserve the full stability
	// budget; other frames get a single fast probe.
	BusinessKeywords []string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Second
	}
	if c.StablePolls <= 0 {
		c.StablePolls = 2
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.MinFrameWidth <= 0 {
		c.MinFrameWidth = 50
	}
	if c.MinFrameHeight <= 0 {
		c.MinFrameHeight = 50
	}
}

// Result is one full page scan: fingerprints across all reachable frames.
type Result struct {
	Fingerprints  []*fingerprint.Fingerprint
	FramesScanned int
	// Stable reports whether the top document settled inside the budget;
	// false means the best (highest-count) snapshot was used instead.
	Stable bool
	// Fallback reports the simplified HTML scan was used.
	Fallback bool
}

// Scanner runs probes against one page handle.
type Scanner struct {
	h   dom.Handle
	cfg Config
	log *slog.Logger
}

// New returns a Scanner over h. A nil logger falls back to slog.Default().
func New(h dom.Handle, cfg Config, log *slog.Logger) *Scanner {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{h: h, cfg: cfg, log: log}
}

// probeElement mirrors the descriptor shape probe.js emits.
type probeElement struct {
	Tag         string                    `json:"tag"`
	Type        string                    `json:"type"`
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Classes     []string                  `json:"classes"`
	Box         fingerprint.Box           `json:"box"`
	Label       string                    `json:"label"`
	FormLabel   string                    `json:"formLabel"`
	AriaLabel   string                    `json:"ariaLabel"`
	Placeholder string                    `json:"placeholder"`
	NearbyText  string                    `json:"nearbyText"`
	CSSID       string                    `json:"cssId"`
	CSSName     string                    `json:"cssName"`
	CSSClass    string                    `json:"cssClass"`
	XPath       string                    `json:"xpath"`
	Table       *fingerprint.TableContext `json:"table"`
}

type snapshot struct {
	Loading  bool           `json:"loading"`
	Elements []probeElement `json:"elements"`
}

type budget struct {
	interval    time.Duration
	maxWait     time.Duration
	stablePolls int
}

func (s *Scanner) fullBudget() budget {
	return budget{interval: s.cfg.Interval, maxWait: s.cfg.MaxWait, stablePolls: s.cfg.StablePolls}
}

// fastBudget is the single-pass budget for non-business frames.
func (s *Scanner) fastBudget() budget {
	return budget{interval: s.cfg.Interval, maxWait: 0, stablePolls: 1}
}

// Scan probes the top document and every reachable frame. Per-frame
// failures are swallowed (that subtree is skipped); only a top-document
// failure that also defeats the fallback scan is an error.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	fps, stable, err := s.scanFrame(ctx, nil, s.fullBudget())
	if err != nil {
		s.log.Warn("scan: rich probe failed, using simplified scan", "err", err)
		fbs, ferr := s.fallbackScan(ctx)
		if ferr != nil {
			return nil, fmt.Errorf("scan: probe failed (%v) and fallback failed: %w", err, ferr)
		}
		fingerprint.GroupTableControls(fbs)
		return &Result{Fingerprints: fbs, FramesScanned: 1, Fallback: true}, nil
	}

	res := &Result{Fingerprints: fps, FramesScanned: 1, Stable: stable}

	queue := []dom.FramePath{nil}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		if parent.Depth() >= s.cfg.MaxDepth {
			continue
		}
		frames, err := s.h.Frames(ctx, parent)
		if err != nil {
			s.log.Warn("scan: frame enumeration failed", "frame", parent, "err", err)
			continue
		}
		for _, f := range frames {
			if f.Width < s.cfg.MinFrameWidth || f.Height < s.cfg.MinFrameHeight {
				s.log.Debug("scan: skipping small frame", "frame", parent.Child(f.Index), "w", f.Width, "h", f.Height)
				continue
			}
			child := parent.Child(f.Index)
			b := s.fastBudget()
			if s.businessFrame(f.URL) {
				b = s.fullBudget()
			}
			cfps, _, err := s.scanFrame(ctx, child, b)
			if err != nil {
				s.log.Warn("scan: frame probe failed, skipping subtree", "frame", child, "err", err)
				continue
			}
			res.Fingerprints = append(res.Fingerprints, cfps...)
			res.FramesScanned++
			queue = append(queue, child)
		}
	}

	fingerprint.GroupTableControls(res.Fingerprints)
	s.log.Info("scan: complete", "controls", len(res.Fingerprints), "frames", res.FramesScanned, "stable", res.Stable)
	return res, nil
}

func (s *Scanner) businessFrame(url string) bool {
	u := strings.ToLower(url)
	for _, kw := range s.cfg.BusinessKeywords {
		if kw != "" && strings.Contains(u, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// scanFrame runs the stability loop in one frame. When the budget runs
// out without stability, the highest-count snapshot seen wins.
func (s *Scanner) scanFrame(ctx context.Context, frame dom.FramePath, b budget) ([]*fingerprint.Fingerprint, bool, error) {
	start := time.Now()
	deadline := start.Add(b.maxWait)
	hard := start.Add(2*b.maxWait + b.interval)

	var best snapshot
	haveBest := false
	prev, run := -1, 0
	probed := false

	for {
		snap, err := s.probe(ctx, frame)
		if err != nil {
			if probed {
				break
			}
			return nil, false, err
		}
		probed = true

		if snap.Loading {
			// A visible loading overlay means the page is still
			// rendering: reset the run and stretch the deadline.
			run, prev = 0, -1
			if deadline.Before(hard) {
				deadline = deadline.Add(b.interval)
			}
		} else {
			n := len(snap.Elements)
			if !haveBest || n > len(best.Elements) {
				best, haveBest = snap, true
			}
			if n == prev && n > 0 {
				run++
			} else {
				run, prev = 1, n
			}
			if run >= b.stablePolls {
				return s.convert(snap.Elements, frame), true, nil
			}
		}

		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(b.interval):
		}
	}

	if !haveBest {
		return nil, false, nil
	}
	s.log.Debug("scan: frame did not settle, using best snapshot",
		"frame", frame, "controls", len(best.Elements), "waited", time.Since(start))
	return s.convert(best.Elements, frame), false, nil
}

func (s *Scanner) probe(ctx context.Context, frame dom.FramePath) (snapshot, error) {
	raw, err := s.h.Eval(ctx, frame, probeJS)
	if err != nil {
		return snapshot{}, fmt.Errorf("scan: probe %s: %w", frame, err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot{}, fmt.Errorf("scan: decode probe result: %w", err)
	}
	return snap, nil
}

// convert turns raw probe descriptors into fingerprints with ordered
// selector chains and frame tags.
func (s *Scanner) convert(els []probeElement, frame dom.FramePath) []*fingerprint.Fingerprint {
	fps := make([]*fingerprint.Fingerprint, 0, len(els))
	for _, pe := range els {
		fp := &fingerprint.Fingerprint{
			Tag:         pe.Tag,
			Type:        pe.Type,
			ID:          pe.ID,
			Name:        pe.Name,
			Classes:     pe.Classes,
			Box:         pe.Box,
			Label:       pe.Label,
			FormLabel:   pe.FormLabel,
			AriaLabel:   pe.AriaLabel,
			Placeholder: pe.Placeholder,
			NearbyText:  pe.NearbyText,
			Table:       pe.Table,
			Frame:       fingerprint.FrameContext{Path: frame, Depth: frame.Depth()},
		}
		fp.Selectors = selectorChain(pe)
		fps = append(fps, fp)
	}
	return fps
}

func selectorChain(pe probeElement) []dom.Selector {
	var out []dom.Selector
	if pe.CSSID != "" {
		out = append(out, dom.Selector{Kind: dom.KindIdentity, Value: pe.CSSID})
	} else if pe.CSSName != "" {
		out = append(out, dom.Selector{Kind: dom.KindIdentity, Value: pe.CSSName})
	}
	if pe.XPath != "" {
		out = append(out, dom.Selector{Kind: dom.KindPath, Value: pe.XPath})
	}
	if pe.CSSClass != "" {
		out = append(out, dom.Selector{Kind: dom.KindClass, Value: pe.CSSClass})
	}
	if t := textAnchor(pe); t != "" {
		out = append(out, dom.Selector{Kind: dom.KindText, Value: t})
	}
	return out
}

// textAnchor builds a text-proximity XPath from the strongest nearby
// text. Texts containing quotes are skipped rather than escaped.
func textAnchor(pe probeElement) string {
	for _, t := range []string{pe.Label, pe.FormLabel, pe.NearbyText} {
		t = strings.TrimSpace(t)
		if t == "" || strings.ContainsAny(t, `"'`) {
			continue
		}
		return fmt.Sprintf(`//*[contains(normalize-space(text()), "%s")]/following::%s[1]`, t, pe.Tag)
	}
	return ""
}
