// Package domtest provides a scripted fake dom.Handle for unit tests.
// Scripts and selectors are matched by substring so tests stay readable
// instead of repeating full probe sources.
package domtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/formweaver/dom"
)

// Element is a fake control recording what the core did to it.
type Element struct {
	TextValue string
	Attrs     map[string]string

	mu      sync.Mutex
	Value   string
	Cleared int
	Clicks  int
	FailOps bool // every mutating op returns an error
}

func (e *Element) Text(context.Context) (string, error) { return e.TextValue, nil }

func (e *Element) Attr(_ context.Context, name string) (string, error) {
	return e.Attrs[name], nil
}

func (e *Element) Clear(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailOps {
		return fmt.Errorf("domtest: clear failed")
	}
	e.Cleared++
	e.Value = ""
	return nil
}

func (e *Element) Type(_ context.Context, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailOps {
		return fmt.Errorf("domtest: type failed")
	}
	e.Value = value
	return nil
}

func (e *Element) Click(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailOps {
		return fmt.Errorf("domtest: click failed")
	}
	e.Clicks++
	return nil
}

// EvalRule maps a script fragment to a canned result. Rules are checked
// in order; the first whose Contains fragment appears in the script wins.
type EvalRule struct {
	Contains string
	Result   any   // JSON-marshalled on match
	Err      error // returned instead when non-nil
	// Results, when non-empty, is consumed one entry per matching call
	// (the last entry repeats). Used for stability-loop polling tests.
	Results []any
	hits    int
}

// Handle is a scripted fake implementing dom.Handle.
type Handle struct {
	mu sync.Mutex

	// Rules drive Eval responses.
	Rules []*EvalRule
	// Located maps a selector-value fragment to an element.
	Located map[string]*Element
	// All maps a selector-value fragment to a LocateAll result.
	All map[string][]*Element
	// Children maps a frame path string to its child frames.
	Children map[string][]dom.FrameInfo
	// FrameErrs marks frame paths whose Frames call fails.
	FrameErrs map[string]error

	PageURL string

	EvalCalls   []string
	LocateCalls []dom.Selector
}

// New returns an empty scripted handle.
func New() *Handle {
	return &Handle{
		Located:   map[string]*Element{},
		All:       map[string][]*Element{},
		Children:  map[string][]dom.FrameInfo{},
		FrameErrs: map[string]error{},
	}
}

// On appends an Eval rule returning result for scripts containing fragment.
func (h *Handle) On(fragment string, result any) *Handle {
	h.Rules = append(h.Rules, &EvalRule{Contains: fragment, Result: result})
	return h
}

// OnSeq appends an Eval rule returning successive results per call.
func (h *Handle) OnSeq(fragment string, results ...any) *Handle {
	h.Rules = append(h.Rules, &EvalRule{Contains: fragment, Results: results})
	return h
}

// OnErr appends an Eval rule failing with err.
func (h *Handle) OnErr(fragment string, err error) *Handle {
	h.Rules = append(h.Rules, &EvalRule{Contains: fragment, Err: err})
	return h
}

func (h *Handle) Eval(_ context.Context, _ dom.FramePath, script string) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EvalCalls = append(h.EvalCalls, script)

	for _, r := range h.Rules {
		if !contains(script, r.Contains) {
			continue
		}
		if r.Err != nil {
			return nil, r.Err
		}
		out := r.Result
		if len(r.Results) > 0 {
			i := r.hits
			if i >= len(r.Results) {
				i = len(r.Results) - 1
			}
			out = r.Results[i]
			r.hits++
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("domtest: marshal result: %w", err)
		}
		return data, nil
	}
	return json.RawMessage("null"), nil
}

func (h *Handle) Locate(_ context.Context, _ dom.FramePath, sel dom.Selector, _ time.Duration) (dom.Element, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LocateCalls = append(h.LocateCalls, sel)

	for frag, el := range h.Located {
		if contains(sel.Value, frag) {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", dom.ErrElementNotFound, sel.Value)
}

func (h *Handle) LocateAll(_ context.Context, _ dom.FramePath, sel dom.Selector) ([]dom.Element, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for frag, els := range h.All {
		if contains(sel.Value, frag) {
			out := make([]dom.Element, len(els))
			for i, e := range els {
				out[i] = e
			}
			return out, nil
		}
	}
	return nil, nil
}

func (h *Handle) Frames(_ context.Context, frame dom.FramePath) ([]dom.FrameInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.FrameErrs[frame.String()]; ok {
		return nil, err
	}
	return h.Children[frame.String()], nil
}

func (h *Handle) URL() string { return h.PageURL }

func contains(s, sub string) bool {
	if sub == "" {
		return true
	}
	return len(s) >= len(sub) && index(s, sub) >= 0
}

func index(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
