package match

import (
	"testing"

	"github.com/hazyhaar/formweaver/fingerprint"
)

func fp(label string) *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{Label: label}
}

func TestScoreLevels(t *testing.T) {
	cases := []struct {
		field, label string
		want         int
	}{
		{"用户名", "用户名", 100},
		{"用户名", "用户名：", 100}, // colon stripped by normalization
		{"User Name", "username", 100},
		{"用户名", "请输入用户名", 80},
		{"account", "user account", 80},
		{"User Name", "un", 60},
		{"order amount", "amount paid order", 60}, // 40 + 30*2/3
		{"phone", "email", 0},
	}
	for _, tc := range cases {
		if got := Score(tc.field, fp(tc.label)); got != tc.want {
			t.Errorf("Score(%q, %q) = %d, want %d", tc.field, tc.label, got, tc.want)
		}
	}
}

func TestScoreUsesBestCandidateText(t *testing.T) {
	ctl := &fingerprint.Fingerprint{
		Name:        "f_1024",
		Placeholder: "请输入用户名",
		AriaLabel:   "用户名",
	}
	if got := Score("用户名", ctl); got != 100 {
		t.Errorf("Score = %d, want 100 via aria label", got)
	}
}

func TestMatchGreedyClaim(t *testing.T) {
	m := New(Config{}, nil)
	controls := []*fingerprint.Fingerprint{
		fp("用户名"),
		fp("金额"),
		fp("备注"),
	}
	res := m.Match([]string{"用户名", "金额", "电话"}, controls)

	if len(res.Pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(res.Pairs))
	}
	if res.Pairs[0].Field != "用户名" || res.Pairs[0].Control.Label != "用户名" {
		t.Errorf("pair[0] = %v -> %v", res.Pairs[0].Field, res.Pairs[0].Control.Label)
	}
	if len(res.UnmatchedFields) != 1 || res.UnmatchedFields[0] != "电话" {
		t.Errorf("unmatched fields = %v, want [电话]", res.UnmatchedFields)
	}
	if len(res.UnmatchedControls) != 1 || res.UnmatchedControls[0].Label != "备注" {
		t.Errorf("unmatched controls = %v", res.UnmatchedControls)
	}
}

func TestMatchClaimsInFieldOrder(t *testing.T) {
	m := New(Config{}, nil)
	// Both fields clear the threshold against the single control. The
	// earlier field claims it even though the later field scores higher:
	// a claimed control is unavailable to every later field.
	res := m.Match([]string{"请输入用户名", "用户名"}, []*fingerprint.Fingerprint{fp("用户名")})
	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	if res.Pairs[0].Field != "请输入用户名" || res.Pairs[0].Score != 80 {
		t.Errorf("winner = %q score %d, want 请输入用户名 at 80", res.Pairs[0].Field, res.Pairs[0].Score)
	}
	if len(res.UnmatchedFields) != 1 || res.UnmatchedFields[0] != "用户名" {
		t.Errorf("unmatched = %v", res.UnmatchedFields)
	}
}

func TestMatchFieldClaimsBestUnclaimedControl(t *testing.T) {
	m := New(Config{}, nil)
	// The first field prefers its exact control over the containment one;
	// the containment control stays free for the second field.
	controls := []*fingerprint.Fingerprint{fp("user account"), fp("account")}
	res := m.Match([]string{"account", "user account"}, controls)
	if len(res.Pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(res.Pairs))
	}
	if res.Pairs[0].Control.Label != "account" || res.Pairs[0].Score != 100 {
		t.Errorf("pair[0] = %q at %d, want the exact control at 100",
			res.Pairs[0].Control.Label, res.Pairs[0].Score)
	}
	if res.Pairs[1].Control.Label != "user account" || res.Pairs[1].Score != 100 {
		t.Errorf("pair[1] = %q at %d, want the remaining control at 100",
			res.Pairs[1].Control.Label, res.Pairs[1].Score)
	}
}

func TestMatchDeduplicatesUnmatchedRowControls(t *testing.T) {
	m := New(Config{}, nil)
	controls := []*fingerprint.Fingerprint{
		{Label: "用户名 (第1行)", Classes: []string{"c"}},
		{Label: "用户名 (第2行)", ID: "u2"},
		{Label: "备注 (第1行)"},
		{Label: "备注 (第2行)"},
	}
	res := m.Match([]string{"用户名"}, controls)
	if len(res.Pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(res.Pairs))
	}
	if res.Pairs[0].Control.Label != "用户名 (第1行)" {
		t.Errorf("control = %v, want the first row control (ties go to the earlier control)", res.Pairs[0].Control)
	}
	// The per-row leftovers collapse to one representative per base label.
	if len(res.UnmatchedControls) != 2 {
		t.Fatalf("unmatched controls = %v, want 2 deduplicated", res.UnmatchedControls)
	}
	if res.UnmatchedControls[0].ID != "u2" || res.UnmatchedControls[1].BaseLabel() != "备注" {
		t.Errorf("unmatched = %v, %v", res.UnmatchedControls[0], res.UnmatchedControls[1])
	}
}

func TestMatchSuggestions(t *testing.T) {
	m := New(Config{}, nil)
	controls := []*fingerprint.Fingerprint{fp("用户名"), fp("请输入金额")}
	res := m.Match([]string{"用户名", "金额"}, controls)
	if len(res.Pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(res.Pairs))
	}
	if len(res.Suggestions) != 1 || res.Suggestions[0].Field != "用户名" {
		t.Errorf("suggestions = %v, want only the exact match", res.Suggestions)
	}
}

func TestMatchThreshold(t *testing.T) {
	m := New(Config{Threshold: 85}, nil)
	res := m.Match([]string{"用户名"}, []*fingerprint.Fingerprint{fp("请输入用户名")})
	if len(res.Pairs) != 0 {
		t.Errorf("pairs = %v, want none below raised threshold", res.Pairs)
	}
	if len(res.UnmatchedFields) != 1 {
		t.Errorf("unmatched fields = %v", res.UnmatchedFields)
	}
}
