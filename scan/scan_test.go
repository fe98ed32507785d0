package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/formweaver/dom"
	"github.com/hazyhaar/formweaver/dom/domtest"
)

const probeFrag = "Probe for data-entry controls"

func snap(loading bool, n int) map[string]any {
	els := make([]any, n)
	for i := range els {
		els[i] = map[string]any{
			"tag":   "input",
			"id":    "f",
			"xpath": "/html/body/input[1]",
		}
	}
	return map[string]any{"loading": loading, "elements": els}
}

func fastCfg() Config {
	return Config{Interval: time.Millisecond, MaxWait: time.Second}
}

func TestScanWaitsForStability(t *testing.T) {
	h := domtest.New()
	h.OnSeq(probeFrag, snap(false, 3), snap(false, 5), snap(false, 5), snap(false, 5))

	res, err := New(h, fastCfg(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Fingerprints) != 5 {
		t.Errorf("fingerprints = %d, want 5 (the settled snapshot)", len(res.Fingerprints))
	}
	if !res.Stable {
		t.Error("Stable = false, want true")
	}
	if res.Fallback {
		t.Error("Fallback = true, want false")
	}
}

func TestScanLoadingOverlayDelaysStability(t *testing.T) {
	h := domtest.New()
	h.OnSeq(probeFrag, snap(true, 0), snap(true, 0), snap(false, 4), snap(false, 4))

	res, err := New(h, fastCfg(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Fingerprints) != 4 || !res.Stable {
		t.Errorf("got %d fingerprints stable=%v, want 4 stable", len(res.Fingerprints), res.Stable)
	}
}

func TestScanFrameKeepsBestSnapshotWhenUnstable(t *testing.T) {
	h := domtest.New()
	h.OnSeq(probeFrag, snap(false, 2), snap(false, 5), snap(false, 3))

	s := New(h, Config{Interval: time.Millisecond}, nil)
	b := budget{interval: time.Millisecond, maxWait: 4 * time.Millisecond, stablePolls: 4}
	fps, stable, err := s.scanFrame(context.Background(), nil, b)
	if err != nil {
		t.Fatalf("scanFrame: %v", err)
	}
	if stable {
		t.Error("stable = true, want false")
	}
	if len(fps) != 5 {
		t.Errorf("fingerprints = %d, want the highest-count snapshot (5)", len(fps))
	}
}

func TestScanRecursesIntoFrames(t *testing.T) {
	h := domtest.New()
	h.On(probeFrag, snap(false, 1))
	h.Children["top"] = []dom.FrameInfo{
		{Index: 0, URL: "https://erp.example/fill", Width: 800, Height: 600},
		{Index: 1, URL: "https://ads.example", Width: 10, Height: 10},
	}

	res, err := New(h, fastCfg(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.FramesScanned != 2 {
		t.Errorf("FramesScanned = %d, want 2 (top + large frame; small frame skipped)", res.FramesScanned)
	}
	if len(res.Fingerprints) != 2 {
		t.Fatalf("fingerprints = %d, want 2", len(res.Fingerprints))
	}
	if got := res.Fingerprints[1].Frame.Path.String(); got != "iframe[0]" {
		t.Errorf("frame tag = %q, want iframe[0]", got)
	}
	if res.Fingerprints[1].Frame.Depth != 1 {
		t.Errorf("frame depth = %d, want 1", res.Fingerprints[1].Frame.Depth)
	}
}

func TestScanGroupsTabularControls(t *testing.T) {
	cell := func(id string, row int) map[string]any {
		return map[string]any{
			"tag":   "input",
			"cssId": "#" + id,
			"xpath": "/html/body/table/tbody/tr[1]/td[2]/input",
			"table": map[string]any{
				"rowIndex": row, "colIndex": 2, "tableId": "grid", "headerText": "金额",
			},
		}
	}
	h := domtest.New()
	h.On(probeFrag, map[string]any{
		"loading":  false,
		"elements": []any{cell("amt1", 1), cell("amt2", 2)},
	})

	res, err := New(h, fastCfg(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Fingerprints) != 2 {
		t.Fatalf("fingerprints = %d, want 2", len(res.Fingerprints))
	}
	for i, fp := range res.Fingerprints {
		if len(fp.Group) != 2 {
			t.Fatalf("fingerprint %d group = %d members, want 2", i, len(fp.Group))
		}
	}
	g := res.Fingerprints[0].Group
	if g[0].Selector.Value != "#amt1" || g[1].Selector.Value != "#amt2" {
		t.Errorf("group members = %q, %q; want amt1 then amt2", g[0].Selector.Value, g[1].Selector.Value)
	}
}

func TestScanSwallowsFrameEnumerationFailure(t *testing.T) {
	h := domtest.New()
	h.On(probeFrag, snap(false, 2))
	h.FrameErrs["top"] = errors.New("boom")

	res, err := New(h, fastCfg(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Fingerprints) != 2 {
		t.Errorf("fingerprints = %d, want the top document's 2", len(res.Fingerprints))
	}
}

func TestScanFallsBackToHTMLParse(t *testing.T) {
	h := domtest.New()
	h.OnErr(probeFrag, errors.New("script blocked"))
	h.On("outerHTML", `<html><body>
<label for="user">用户名</label><input id="user" type="text">
<table id="grid"><tr><th>编号</th><th>金额</th></tr>
<tr><td><input name="amt" class="num cell"></td><td></td></tr></table>
<input type="hidden" name="csrf">
<input type="submit" value="go">
</body></html>`)

	res, err := New(h, fastCfg(), nil).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !res.Fallback {
		t.Fatal("Fallback = false, want true")
	}
	if len(res.Fingerprints) != 2 {
		t.Fatalf("fingerprints = %d, want 2 (hidden and submit excluded)", len(res.Fingerprints))
	}

	user := res.Fingerprints[0]
	if user.Label != "用户名" {
		t.Errorf("label = %q, want 用户名 via label[for]", user.Label)
	}
	if user.Primary().Value != "#user" {
		t.Errorf("primary selector = %q, want #user", user.Primary().Value)
	}

	amt := res.Fingerprints[1]
	if amt.Table == nil {
		t.Fatal("table context missing")
	}
	if amt.Table.HeaderText != "编号" {
		t.Errorf("header = %q, want 编号 (column 0)", amt.Table.HeaderText)
	}
	if amt.Label != "编号" {
		t.Errorf("label = %q, want inferred from header", amt.Label)
	}
	if amt.Primary().Value != `input[name="amt"]` {
		t.Errorf("primary selector = %q", amt.Primary().Value)
	}
}

func TestScanErrorWhenProbeAndFallbackFail(t *testing.T) {
	h := domtest.New()
	h.OnErr(probeFrag, errors.New("script blocked"))
	h.OnErr("outerHTML", errors.New("also blocked"))

	if _, err := New(h, fastCfg(), nil).Scan(context.Background()); err == nil {
		t.Fatal("Scan: err = nil, want error when both paths fail")
	}
}
