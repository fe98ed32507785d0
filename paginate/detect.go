package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/formweaver/dom"
)

// Candidate is one plausible next-page control found on the page.
type Candidate struct {
	Text     string       `json:"text"`
	Selector dom.Selector `json:"-"`
	XPath    string       `json:"xpath"`
	Hint     string       `json:"hint"` // text or class, what flagged it
}

const detectJS = `(() => {
  const KW = ['下一页', '下页', '次へ', 'next', '>', '»', '→'];
  const CLS = ['next', 'btn-next', 'pagination-next', 'ant-pagination-next', 'layui-laypage-next'];
  const xpathOf = (el) => {
    const parts = [];
    for (let n = el; n && n.nodeType === 1 && n !== document.documentElement; n = n.parentNode) {
      let idx = 1;
      for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
        if (s.tagName === n.tagName) idx++;
      }
      parts.unshift(n.tagName.toLowerCase() + '[' + idx + ']');
    }
    return '/html/' + parts.join('/');
  };
  const out = [];
  const seen = new Set();
  for (const el of document.querySelectorAll('a, button, li, span, [role="button"]')) {
    const text = (el.textContent || '').trim().toLowerCase();
    const hay = text + ' ' + el.className + ' ' + (el.id || '');
    let hint = '';
    if (text && KW.some((k) => text === k || (k.length > 1 && text.includes(k)))) hint = 'text';
    else if (CLS.some((c) => el.classList.contains(c) || (el.id || '').includes(c))) hint = 'class';
    if (!hint) continue;
    if (hay.includes('prev') || hay.includes('上一页')) continue;
    const xp = xpathOf(el);
    if (seen.has(xp)) continue;
    seen.add(xp);
    out.push({ text: (el.textContent || '').trim(), xpath: xp, hint });
    if (out.length >= 10) break;
  }
  return out;
})()`

// Detect scans the page for plausible next-page controls by keyword and
// class hints, deduplicated and capped at 10. The caller (or operator)
// picks one and hands its selector to New.
func Detect(ctx context.Context, h dom.Handle, frame dom.FramePath, log *slog.Logger) ([]Candidate, error) {
	if log == nil {
		log = slog.Default()
	}
	raw, err := h.Eval(ctx, frame, detectJS)
	if err != nil {
		return nil, fmt.Errorf("paginate: detect: %w", err)
	}
	var out []Candidate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("paginate: decode candidates: %w", err)
	}
	for i := range out {
		out[i].Selector = dom.Selector{Kind: dom.KindPath, Value: out[i].XPath}
	}
	log.Debug("paginate: detected next-control candidates", "count", len(out))
	return out, nil
}
