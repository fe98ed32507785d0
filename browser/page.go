package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/formweaver/dom"
)

// Page drives one browser tab. It satisfies dom.Handle.
type Page struct {
	page *rod.Page
	url  string
	log  *slog.Logger
}

var _ dom.Handle = (*Page)(nil)

// Rod returns the underlying rod page for callers that need raw CDP
// access (screenshots, devtools).
func (p *Page) Rod() *rod.Page { return p.page }

// Close closes the tab.
func (p *Page) Close() error {
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("browser: close page: %w", err)
	}
	return nil
}

// URL returns the top document's current address.
func (p *Page) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return p.url
	}
	return info.URL
}

// frameAt descends the frame path from the top document. Each hop
// enumerates the parent's iframe elements and enters the indexed one.
func (p *Page) frameAt(ctx context.Context, path dom.FramePath) (*rod.Page, error) {
	cur := p.page
	for depth, idx := range path {
		els, err := cur.Context(ctx).Elements("iframe, frame")
		if err != nil {
			return nil, fmt.Errorf("browser: list frames at depth %d: %w: %v", depth, dom.ErrFrameUnreachable, err)
		}
		if idx < 0 || idx >= len(els) {
			return nil, fmt.Errorf("browser: frame %s: index %d of %d children: %w", path, idx, len(els), dom.ErrFrameUnreachable)
		}
		next, err := els[idx].Frame()
		if err != nil {
			return nil, fmt.Errorf("browser: enter frame %s: %w: %v", path, dom.ErrFrameUnreachable, err)
		}
		cur = next
	}
	return cur, nil
}

// Eval runs a self-contained script expression in the addressed frame
// and returns its JSON-encoded result.
func (p *Page) Eval(ctx context.Context, frame dom.FramePath, script string) (json.RawMessage, error) {
	fp, err := p.frameAt(ctx, frame)
	if err != nil {
		return nil, err
	}
	res, err := fp.Context(ctx).Eval(fmt.Sprintf("() => (%s)", script))
	if err != nil {
		return nil, fmt.Errorf("browser: eval in %s: %w", frame, err)
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return nil, fmt.Errorf("browser: encode eval result: %w", err)
	}
	return raw, nil
}

// Locate returns the first element matching sel, waiting up to timeout
// for it to appear.
func (p *Page) Locate(ctx context.Context, frame dom.FramePath, sel dom.Selector, timeout time.Duration) (dom.Element, error) {
	fp, err := p.frameAt(ctx, frame)
	if err != nil {
		return nil, err
	}
	fp = fp.Context(ctx)
	if timeout > 0 {
		fp = fp.Timeout(timeout)
	}

	var el *rod.Element
	if sel.IsXPath() {
		el, err = fp.ElementX(sel.Value)
	} else {
		el, err = fp.Element(sel.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("browser: locate %s %q: %w: %v", sel.Kind, sel.Value, dom.ErrElementNotFound, err)
	}
	return &element{el: el}, nil
}

// LocateAll returns every current match in document order without
// waiting.
func (p *Page) LocateAll(ctx context.Context, frame dom.FramePath, sel dom.Selector) ([]dom.Element, error) {
	fp, err := p.frameAt(ctx, frame)
	if err != nil {
		return nil, err
	}
	fp = fp.Context(ctx)

	var els rod.Elements
	if sel.IsXPath() {
		els, err = fp.ElementsX(sel.Value)
	} else {
		els, err = fp.Elements(sel.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("browser: locate all %s %q: %w", sel.Kind, sel.Value, err)
	}
	out := make([]dom.Element, len(els))
	for i, el := range els {
		out[i] = &element{el: el}
	}
	return out, nil
}

// Frames lists the child frames of the addressed frame with their URL
// and rendered size.
func (p *Page) Frames(ctx context.Context, frame dom.FramePath) ([]dom.FrameInfo, error) {
	fp, err := p.frameAt(ctx, frame)
	if err != nil {
		return nil, err
	}
	els, err := fp.Context(ctx).Elements("iframe, frame")
	if err != nil {
		return nil, fmt.Errorf("browser: list frames of %s: %w", frame, err)
	}

	infos := make([]dom.FrameInfo, 0, len(els))
	for i, el := range els {
		info := dom.FrameInfo{Index: i}
		res, err := el.Eval(`() => { const r = this.getBoundingClientRect(); return { url: this.src || "", w: r.width, h: r.height }; }`)
		if err != nil {
			// A detached or mid-navigation iframe; report it with zero
			// geometry and let the caller's size filter drop it.
			p.log.Debug("browser: frame geometry read failed", "frame", frame.Child(i), "err", err)
			infos = append(infos, info)
			continue
		}
		info.URL = res.Value.Get("url").Str()
		info.Width = res.Value.Get("w").Num()
		info.Height = res.Value.Get("h").Num()
		infos = append(infos, info)
	}
	return infos, nil
}

// element adapts a rod element to dom.Element.
type element struct {
	el *rod.Element
}

var _ dom.Element = (*element)(nil)

func (e *element) Text(ctx context.Context) (string, error) {
	txt, err := e.el.Context(ctx).Text()
	if err != nil {
		return "", fmt.Errorf("browser: element text: %w", err)
	}
	return txt, nil
}

func (e *element) Attr(ctx context.Context, name string) (string, error) {
	v, err := e.el.Context(ctx).Attribute(name)
	if err != nil {
		return "", fmt.Errorf("browser: element attr %s: %w", name, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (e *element) Clear(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => {
		this.value = "";
		this.dispatchEvent(new Event("input", { bubbles: true }));
	}`)
	if err != nil {
		return fmt.Errorf("browser: clear element: %w", err)
	}
	return nil
}

func (e *element) Type(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	if err := el.Focus(); err != nil {
		return fmt.Errorf("browser: focus element: %w", err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("browser: type into element: %w", err)
	}
	return nil
}

func (e *element) Click(ctx context.Context) error {
	if err := e.el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click element: %w", err)
	}
	return nil
}
