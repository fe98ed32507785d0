// Package dom defines the opaque browser capability the formweaver core
// drives: run a probe script, locate an element, read and write it. The
// core never links a browser library directly; the production binding
// lives in package browser, and tests use dom/domtest.
package dom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors the core's taxonomy is built on. Locate failures collapse to
// ErrElementNotFound regardless of the underlying driver error; frame
// descent into cross-origin content surfaces ErrFrameUnreachable.
var (
	ErrElementNotFound  = errors.New("dom: element not found")
	ErrFrameUnreachable = errors.New("dom: frame unreachable")
)

// SelectorKind orders selector strategies from most to least stable.
type SelectorKind int

const (
	KindIdentity SelectorKind = iota // #id or [name=…], survives layout changes
	KindPath                         // structural XPath
	KindClass                        // class-based CSS
	KindText                         // text-proximity XPath
)

func (k SelectorKind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindPath:
		return "path"
	case KindClass:
		return "class"
	case KindText:
		return "text"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Selector is one way to reach an element. XPath selectors carry
// Kind==KindPath or KindText; the rest are CSS.
type Selector struct {
	Kind  SelectorKind
	Value string
}

// IsXPath reports whether the selector value is an XPath expression.
func (s Selector) IsXPath() bool {
	return s.Kind == KindPath || s.Kind == KindText || strings.HasPrefix(s.Value, "/") || strings.HasPrefix(s.Value, "(")
}

// FramePath addresses a (possibly nested) frame by child indices from the
// top document. The empty path is the top document itself.
type FramePath []int

// Depth is the nesting depth; 0 means the top document.
func (p FramePath) Depth() int { return len(p) }

// IsTop reports whether the path addresses the top document.
func (p FramePath) IsTop() bool { return len(p) == 0 }

// Child returns the path extended by one frame index.
func (p FramePath) Child(idx int) FramePath {
	out := make(FramePath, len(p)+1)
	copy(out, p)
	out[len(p)] = idx
	return out
}

func (p FramePath) String() string {
	if len(p) == 0 {
		return "top"
	}
	var b strings.Builder
	for i, idx := range p {
		if i > 0 {
			b.WriteString("->")
		}
		fmt.Fprintf(&b, "iframe[%d]", idx)
	}
	return b.String()
}

// FrameInfo describes one child frame as seen from its parent document.
type FrameInfo struct {
	Index  int
	URL    string
	Width  float64
	Height float64
}

// Element is a located control. All operations act on the live page; any
// of them may fail if the page re-rendered underneath.
type Element interface {
	// Text returns the rendered text content, trimmed.
	Text(ctx context.Context) (string, error)
	// Attr returns an attribute value; empty string when absent.
	Attr(ctx context.Context, name string) (string, error)
	// Clear empties the control's current value.
	Clear(ctx context.Context) error
	// Type sends the value as plain input after the control is cleared.
	Type(ctx context.Context, value string) error
	// Click dispatches a click.
	Click(ctx context.Context) error
}

// Handle is the opaque browser capability. One Handle drives one page
// (tab); frame addressing is explicit on every call so the core never
// holds hidden frame state.
type Handle interface {
	// Eval runs a script in the addressed frame's document and returns
	// its JSON-encoded result. Scripts are self-contained expressions.
	Eval(ctx context.Context, frame FramePath, script string) (json.RawMessage, error)
	// Locate returns the first element matching sel within timeout, or
	// an error wrapping ErrElementNotFound.
	Locate(ctx context.Context, frame FramePath, sel Selector, timeout time.Duration) (Element, error)
	// LocateAll returns every match in document order. A nil slice with
	// nil error means no matches.
	LocateAll(ctx context.Context, frame FramePath, sel Selector) ([]Element, error)
	// Frames lists the child frames of the addressed frame. Unreachable
	// children yield ErrFrameUnreachable when descended into, not here.
	Frames(ctx context.Context, frame FramePath) ([]FrameInfo, error)
	// URL returns the top document's current address.
	URL() string
}
