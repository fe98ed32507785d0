package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/formweaver/dom"
	"github.com/hazyhaar/formweaver/fingerprint"
)

// excludedInputTypes are input types that are not data entry.
var excludedInputTypes = map[string]bool{
	"hidden": true, "button": true, "submit": true,
	"reset": true, "image": true, "file": true,
}

// fallbackScan parses a full HTML snapshot of the top document and pulls
// out form controls with minimal label inference. It never recurses into
// frames and produces structural selectors only; used when the rich
// probe cannot run at all.
func (s *Scanner) fallbackScan(ctx context.Context) ([]*fingerprint.Fingerprint, error) {
	raw, err := s.h.Eval(ctx, nil, "document.documentElement.outerHTML")
	if err != nil {
		return nil, fmt.Errorf("scan: fetch html snapshot: %w", err)
	}
	var page string
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("scan: decode html snapshot: %w", err)
	}
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("scan: parse html snapshot: %w", err)
	}

	w := &htmlWalker{labels: collectLabels(doc)}
	w.walk(doc, "")
	s.log.Info("scan: simplified scan complete", "controls", len(w.out))
	return w.out, nil
}

// collectLabels maps label[for] targets to their text.
func collectLabels(doc *html.Node) map[string]string {
	labels := map[string]string{}
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "label" {
			if id := attr(n, "for"); id != "" {
				labels[id] = strings.TrimSpace(nodeText(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return labels
}

type htmlWalker struct {
	labels map[string]string
	out    []*fingerprint.Fingerprint

	// table state while descending
	table    *html.Node
	tableID  string
	headers  []string
	rowIndex int
	colIndex int
}

func (w *htmlWalker) walk(n *html.Node, path string) {
	if n.Type == html.ElementNode {
		path = path + "/" + n.Data + fmt.Sprintf("[%d]", siblingIndex(n))

		switch n.Data {
		case "table":
			prevTable, prevID, prevHeaders := w.table, w.tableID, w.headers
			w.table, w.tableID = n, attr(n, "id")
			w.headers = headerRow(n)
			defer func() { w.table, w.tableID, w.headers = prevTable, prevID, prevHeaders }()
		case "tr":
			if w.table != nil {
				w.rowIndex = rowIndexIn(w.table, n)
			}
		case "td", "th":
			w.colIndex = cellIndex(n)
		case "input", "textarea", "select":
			if fp := w.control(n, path); fp != nil {
				w.out = append(w.out, fp)
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, path)
	}
}

func (w *htmlWalker) control(n *html.Node, path string) *fingerprint.Fingerprint {
	typ := strings.ToLower(attr(n, "type"))
	if n.Data == "input" && excludedInputTypes[typ] {
		return nil
	}
	id := attr(n, "id")
	fp := &fingerprint.Fingerprint{
		Tag:         n.Data,
		Type:        typ,
		ID:          id,
		Name:        attr(n, "name"),
		Classes:     classes(n),
		Label:       w.labels[id],
		Placeholder: attr(n, "placeholder"),
		AriaLabel:   attr(n, "aria-label"),
	}
	if w.table != nil {
		tc := &fingerprint.TableContext{
			RowIndex: w.rowIndex,
			ColIndex: w.colIndex,
			TableID:  w.tableID,
		}
		if w.colIndex < len(w.headers) {
			tc.HeaderText = w.headers[w.colIndex]
		}
		fp.Table = tc
		if fp.Label == "" {
			fp.Label = tc.HeaderText
		}
	}
	if id != "" {
		fp.Selectors = append(fp.Selectors, dom.Selector{Kind: dom.KindIdentity, Value: "#" + id})
	} else if fp.Name != "" {
		fp.Selectors = append(fp.Selectors, dom.Selector{
			Kind:  dom.KindIdentity,
			Value: fmt.Sprintf(`%s[name="%s"]`, n.Data, fp.Name),
		})
	}
	fp.Selectors = append(fp.Selectors, dom.Selector{Kind: dom.KindPath, Value: "/html" + strings.TrimPrefix(path, "/html[1]")})
	return fp
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func classes(n *html.Node) []string {
	raw := attr(n, "class")
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

// siblingIndex is the 1-based position among same-tag siblings, the
// XPath convention.
func siblingIndex(n *html.Node) int {
	i := 1
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == n.Data {
			i++
		}
	}
	return i
}

func headerRow(table *html.Node) []string {
	tr := firstDescendant(table, "tr")
	if tr == nil {
		return nil
	}
	var out []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "th" || c.Data == "td") {
			out = append(out, strings.TrimSpace(nodeText(c)))
		}
	}
	return out
}

func rowIndexIn(table, tr *html.Node) int {
	idx := 0
	found := -1
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if found >= 0 {
			return
		}
		if n.Type == html.ElementNode && n.Data == "tr" {
			if n == tr {
				found = idx
				return
			}
			idx++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(table)
	if found < 0 {
		return 0
	}
	return found
}

func cellIndex(cell *html.Node) int {
	i := 0
	for sib := cell.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && (sib.Data == "td" || sib.Data == "th") {
			i++
		}
	}
	return i
}

func firstDescendant(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := firstDescendant(c, tag); found != nil {
			return found
		}
	}
	return nil
}
