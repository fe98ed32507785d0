package fingerprint

import (
	"testing"

	"github.com/hazyhaar/formweaver/dom"
)

func TestStabilityWeights(t *testing.T) {
	cases := []struct {
		name string
		fp   Fingerprint
		want int
	}{
		{"empty", Fingerprint{}, 0},
		{"id only", Fingerprint{ID: "user"}, 40},
		{"aria only", Fingerprint{AriaLabel: "用户名"}, 35},
		{"form label only", Fingerprint{FormLabel: "User"}, 25},
		{"name only", Fingerprint{Name: "user"}, 20},
		{"label only", Fingerprint{Label: "User"}, 15},
		{"class only", Fingerprint{Classes: []string{"el-input__inner"}}, 10},
		{"id+name", Fingerprint{ID: "user", Name: "user"}, 60},
		{"capped", Fingerprint{
			ID: "u", AriaLabel: "u", FormLabel: "u", Name: "u",
			Label: "u", Classes: []string{"c"},
		}, 100},
	}
	for _, tc := range cases {
		if got := tc.fp.Stability(); got != tc.want {
			t.Errorf("%s: Stability() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestDisplayNamePrecedence(t *testing.T) {
	fp := Fingerprint{
		Tag: "input", ID: "f1", Name: "field1",
		Placeholder: "enter user", Label: "User", FormLabel: "Username",
		AriaLabel: "Login name",
	}
	steps := []struct {
		strip func()
		want  string
	}{
		{func() {}, "Login name"},
		{func() { fp.AriaLabel = "" }, "Username"},
		{func() { fp.FormLabel = "" }, "User"},
		{func() { fp.Label = "" }, "enter user"},
		{func() { fp.Placeholder = "" }, "field1"},
		{func() { fp.Name = "" }, "f1"},
		{func() { fp.ID = "" }, "[input]"},
	}
	for _, s := range steps {
		s.strip()
		if got := fp.DisplayName(); got != s.want {
			t.Fatalf("DisplayName() = %q, want %q", got, s.want)
		}
	}
}

func TestBaseLabelStripsRowSuffix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"用户名 (第3行)", "用户名"},
		{"用户名（第12行）", "用户名"},
		{"Amount (row 2)", "Amount"},
		{"用户名", "用户名"},
	}
	for _, tc := range cases {
		fp := Fingerprint{Label: tc.in}
		if got := fp.BaseLabel(); got != tc.want {
			t.Errorf("BaseLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRowSelector(t *testing.T) {
	fp := Fingerprint{Selectors: []dom.Selector{
		{Kind: dom.KindIdentity, Value: "#cell-3-2"},
		{Kind: dom.KindPath, Value: "/html/body/table/tbody/tr[3]/td[2]/input"},
	}}
	sel, ok := fp.RowSelector()
	if !ok {
		t.Fatal("RowSelector() ok = false, want true")
	}
	want := "/html/body/table/tbody/tr/td[2]/input"
	if sel.Value != want {
		t.Errorf("RowSelector() = %q, want %q", sel.Value, want)
	}
	if sel.Kind != dom.KindPath {
		t.Errorf("RowSelector() kind = %v, want path", sel.Kind)
	}

	noRow := Fingerprint{Selectors: []dom.Selector{
		{Kind: dom.KindPath, Value: "/html/body/div/input"},
	}}
	if _, ok := noRow.RowSelector(); ok {
		t.Error("RowSelector() on row-less path: ok = true, want false")
	}
	noPath := Fingerprint{Selectors: []dom.Selector{
		{Kind: dom.KindIdentity, Value: "#x"},
	}}
	if _, ok := noPath.RowSelector(); ok {
		t.Error("RowSelector() without structural path: ok = true, want false")
	}
}

func TestDedupeByBaseLabelPrefersStability(t *testing.T) {
	weak := &Fingerprint{Label: "用户名 (第1行)", Classes: []string{"c"}}
	strong := &Fingerprint{Label: "用户名 (第2行)", ID: "u2"}
	other := &Fingerprint{Label: "金额"}

	out := DedupeByBaseLabel([]*Fingerprint{weak, other, strong})
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0] != strong {
		t.Errorf("out[0] = %v, want the higher-stability duplicate", out[0])
	}
	if out[1] != other {
		t.Errorf("out[1] = %v, want 金额", out[1])
	}
}

func TestMemberForStaysInsideGroup(t *testing.T) {
	fp := Fingerprint{Group: []Member{
		{Selector: dom.Selector{Value: "#r0"}, RowIndex: 0},
		{Selector: dom.Selector{Value: "#r1"}, RowIndex: 1},
	}}
	m, ok := fp.MemberFor(1)
	if !ok || m.Selector.Value != "#r1" {
		t.Errorf("MemberFor(1) = %v, %v; want second member", m, ok)
	}
	// Offsets past the group report false so the caller can rebind the
	// structural selector instead of rewriting the last scanned row.
	if _, ok := fp.MemberFor(5); ok {
		t.Error("MemberFor(5) ok = true, want false beyond the group")
	}
	if _, ok := fp.MemberFor(-1); ok {
		t.Error("MemberFor(-1) ok = true, want false")
	}
	if _, ok := (&Fingerprint{}).MemberFor(0); ok {
		t.Error("MemberFor on ungrouped fingerprint: ok = true, want false")
	}
}

func TestSelectorForRow(t *testing.T) {
	fp := Fingerprint{Selectors: []dom.Selector{
		{Kind: dom.KindIdentity, Value: "#cell-3-2"},
		{Kind: dom.KindPath, Value: "/html/body/table/tbody/tr[3]/td[2]/input"},
	}}
	sel, ok := fp.SelectorForRow(1)
	if !ok {
		t.Fatal("SelectorForRow(1) ok = false, want true")
	}
	want := "/html/body/table/tbody/tr[2]/td[2]/input"
	if sel.Value != want || sel.Kind != dom.KindPath {
		t.Errorf("SelectorForRow(1) = %v, want %q", sel, want)
	}

	sel, ok = fp.SelectorForRow(0)
	if !ok || sel.Value != "/html/body/table/tbody/tr[1]/td[2]/input" {
		t.Errorf("SelectorForRow(0) = %v, %v; want row 1 path", sel, ok)
	}

	if _, ok := fp.SelectorForRow(-1); ok {
		t.Error("SelectorForRow(-1) ok = true, want false")
	}
	noRow := Fingerprint{Selectors: []dom.Selector{
		{Kind: dom.KindPath, Value: "/html/body/div/input"},
	}}
	if _, ok := noRow.SelectorForRow(0); ok {
		t.Error("SelectorForRow on row-less path: ok = true, want false")
	}
}

func TestGroupTableControls(t *testing.T) {
	col := func(id string, row int) *Fingerprint {
		return &Fingerprint{
			Selectors: []dom.Selector{{Kind: dom.KindIdentity, Value: id}},
			Table:     &TableContext{RowIndex: row, ColIndex: 2, TableID: "t1", HeaderText: "金额"},
		}
	}
	second := col("#amt2", 2)
	first := col("#amt1", 1)
	lone := &Fingerprint{
		Selectors: []dom.Selector{{Kind: dom.KindIdentity, Value: "#memo"}},
		Table:     &TableContext{RowIndex: 1, ColIndex: 3, TableID: "t1", HeaderText: "备注"},
	}
	plain := &Fingerprint{Selectors: []dom.Selector{{Kind: dom.KindIdentity, Value: "#user"}}}

	GroupTableControls([]*Fingerprint{second, lone, first, plain})

	if len(first.Group) != 2 || len(second.Group) != 2 {
		t.Fatalf("group sizes = %d, %d; want 2, 2", len(first.Group), len(second.Group))
	}
	// Members ordered by row regardless of scan order.
	if first.Group[0].Selector.Value != "#amt1" || first.Group[1].Selector.Value != "#amt2" {
		t.Errorf("group = %v, want row order amt1, amt2", first.Group)
	}
	if first.Group[0].RowIndex != 1 || first.Group[1].RowIndex != 2 {
		t.Errorf("row indices = %d, %d; want 1, 2", first.Group[0].RowIndex, first.Group[1].RowIndex)
	}
	if len(lone.Group) != 0 {
		t.Errorf("single-control column got a group: %v", lone.Group)
	}
	if len(plain.Group) != 0 {
		t.Errorf("non-tabular control got a group: %v", plain.Group)
	}
}
