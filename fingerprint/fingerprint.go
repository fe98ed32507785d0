// Package fingerprint describes scanned page controls in a way that
// survives re-renders: each control carries several selectors ordered by
// stability, the semantic texts around it, and its table and frame
// position. Fingerprints are immutable after the scan; only mapping
// metadata (MappedField) is attached later.
package fingerprint

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/formweaver/dom"
)

// Box is the control's bounding rectangle in page coordinates.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// TableContext places a control inside a table, when it sits in one.
type TableContext struct {
	RowIndex   int    `json:"rowIndex"`
	ColIndex   int    `json:"colIndex"`
	TableID    string `json:"tableId,omitempty"`
	HeaderText string `json:"headerText,omitempty"`
}

// FrameContext records which document the control lives in. Depth 0 is
// the top document.
type FrameContext struct {
	Path  dom.FramePath `json:"path,omitempty"`
	Depth int           `json:"depth"`
}

// Member is one sub-control of a grouped fingerprint: several physical
// controls standing for one logical field across table rows.
type Member struct {
	Selector dom.Selector `json:"selector"`
	RowIndex int          `json:"rowIndex"`
}

// Fingerprint is a multi-selector description of one interactive control.
type Fingerprint struct {
	// Selectors is the candidate chain, most stable first.
	Selectors []dom.Selector `json:"selectors"`

	Tag     string   `json:"tag"`
	Type    string   `json:"type,omitempty"`
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Classes []string `json:"classes,omitempty"`
	Box     Box      `json:"box"`

	Label       string `json:"label,omitempty"`
	FormLabel   string `json:"formLabel,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	NearbyText  string `json:"nearbyText,omitempty"`

	Table *TableContext `json:"table,omitempty"`
	Frame FrameContext  `json:"frame"`

	// Group lists sibling controls representing the same logical field
	// in other rows. Empty for plain controls.
	Group []Member `json:"group,omitempty"`

	// MappedField is the data field name attached after matching. It is
	// the only mutable part of a fingerprint.
	MappedField string `json:"mappedField,omitempty"`
}

// Primary returns the most stable selector, or a zero Selector when the
// fingerprint carries none.
func (f *Fingerprint) Primary() dom.Selector {
	if len(f.Selectors) == 0 {
		return dom.Selector{}
	}
	return f.Selectors[0]
}

// Fallbacks returns the candidate chain after the primary selector.
func (f *Fingerprint) Fallbacks() []dom.Selector {
	if len(f.Selectors) <= 1 {
		return nil
	}
	return f.Selectors[1:]
}

// Stability scores how likely the control is to be relocatable after a
// re-render, 0..100. The score is additive over the identity signals the
// control carries; an id outweighs everything class-based.
func (f *Fingerprint) Stability() int {
	score := 0
	if f.ID != "" {
		score += 40
	}
	if f.AriaLabel != "" {
		score += 35
	}
	if f.FormLabel != "" {
		score += 25
	}
	if f.Name != "" {
		score += 20
	}
	if f.Label != "" {
		score += 15
	}
	if len(f.Classes) > 0 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// DisplayName is the human-readable identity used in matching and logs.
// The most intentional text wins: explicit accessibility and form labels
// before placeholder, placeholder before raw attributes.
func (f *Fingerprint) DisplayName() string {
	for _, s := range []string{f.AriaLabel, f.FormLabel, f.Label, f.Placeholder, f.Name, f.ID} {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	if f.Tag != "" {
		return "[" + f.Tag + "]"
	}
	return "[control]"
}

// rowSuffix strips trailing row markers like "(第3行)" or "(row 3)" that
// scanners append to repeated per-row controls.
var rowSuffix = regexp.MustCompile(`\s*[(（](?:第\s*\d+\s*行|row\s*\d+)[)）]\s*$`)

// BaseLabel is the DisplayName with any per-row suffix removed, used to
// group duplicate per-row controls under one logical field.
func (f *Fingerprint) BaseLabel() string {
	return strings.TrimSpace(rowSuffix.ReplaceAllString(f.DisplayName(), ""))
}

// CandidateTexts returns the texts the matcher scores against, in
// precedence order with empties dropped.
func (f *Fingerprint) CandidateTexts() []string {
	var out []string
	for _, s := range []string{f.AriaLabel, f.FormLabel, f.Label, f.Placeholder, f.Name, f.ID} {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var trIndex = regexp.MustCompile(`tr\[\d+\]`)

// RowSelector generalizes the structural path selector by wildcarding its
// row-index component, producing a selector that matches the same column
// cell in every row. Returns false when the fingerprint has no structural
// path or the path carries no row index.
func (f *Fingerprint) RowSelector() (dom.Selector, bool) {
	for _, s := range f.Selectors {
		if s.Kind != dom.KindPath {
			continue
		}
		if !trIndex.MatchString(s.Value) {
			return dom.Selector{}, false
		}
		return dom.Selector{Kind: dom.KindPath, Value: trIndex.ReplaceAllString(s.Value, "tr")}, true
	}
	return dom.Selector{}, false
}

// SelectorForRow rebinds the structural path selector to a specific
// 0-based destination row: tr[N] becomes tr[row+1]. Returns false when no
// structural path carries a row index, so the caller knows the control
// cannot be re-addressed per row.
func (f *Fingerprint) SelectorForRow(row int) (dom.Selector, bool) {
	if row < 0 {
		return dom.Selector{}, false
	}
	for _, s := range f.Selectors {
		if s.Kind != dom.KindPath || !trIndex.MatchString(s.Value) {
			continue
		}
		v := trIndex.ReplaceAllString(s.Value, fmt.Sprintf("tr[%d]", row+1))
		return dom.Selector{Kind: dom.KindPath, Value: v}, true
	}
	return dom.Selector{}, false
}

// MemberFor returns the group member for a 0-based row offset. Offsets
// outside the group report false; the caller falls back to a row-rebound
// selector for pages that render more rows than the scan saw.
func (f *Fingerprint) MemberFor(offset int) (Member, bool) {
	if offset < 0 || offset >= len(f.Group) {
		return Member{}, false
	}
	return f.Group[offset], true
}

// String is a short log form: name, tag and frame.
func (f *Fingerprint) String() string {
	return fmt.Sprintf("%s <%s> @%s", f.DisplayName(), f.Tag, f.Frame.Path)
}

// DedupeByBaseLabel collapses fingerprints sharing a base label into one
// representative each, preferring higher stability and, on ties, the
// earlier scan position. Order of first appearance is preserved.
func DedupeByBaseLabel(fps []*Fingerprint) []*Fingerprint {
	type slot struct {
		fp    *Fingerprint
		first int
	}
	byLabel := map[string]*slot{}
	var order []string
	for i, fp := range fps {
		key := fp.BaseLabel()
		s, ok := byLabel[key]
		if !ok {
			byLabel[key] = &slot{fp: fp, first: i}
			order = append(order, key)
			continue
		}
		if fp.Stability() > s.fp.Stability() {
			s.fp = fp
		}
	}
	out := make([]*Fingerprint, 0, len(order))
	for _, key := range order {
		out = append(out, byLabel[key].fp)
	}
	return out
}

// GroupTableControls attaches sibling members to controls that stand for
// the same logical field across the rows of one table column: same frame,
// same table, same column header. Members are ordered by row, so a row
// offset indexes straight into the group. Columns with a single control
// keep an empty group.
func GroupTableControls(fps []*Fingerprint) {
	type colKey struct {
		frame  string
		table  string
		header string
		col    int
	}
	cols := map[colKey][]*Fingerprint{}
	for _, fp := range fps {
		if fp.Table == nil {
			continue
		}
		k := colKey{fp.Frame.Path.String(), fp.Table.TableID, fp.Table.HeaderText, fp.Table.ColIndex}
		cols[k] = append(cols[k], fp)
	}
	for _, group := range cols {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Table.RowIndex < group[j].Table.RowIndex
		})
		members := make([]Member, len(group))
		for i, fp := range group {
			members[i] = Member{Selector: fp.Primary(), RowIndex: fp.Table.RowIndex}
		}
		for _, fp := range group {
			fp.Group = members
		}
	}
}

// SortByPosition orders fingerprints top-to-bottom, left-to-right, the
// reading order the scanner reports rows in.
func SortByPosition(fps []*Fingerprint) {
	sort.SliceStable(fps, func(i, j int) bool {
		if fps[i].Box.Y != fps[j].Box.Y {
			return fps[i].Box.Y < fps[j].Box.Y
		}
		return fps[i].Box.X < fps[j].Box.X
	})
}
