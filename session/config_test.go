package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/formweaver/dom"
)

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	data := []byte(`
source_id: orders.xlsx
key_field: 编号
single_record: true
batch_size: 20
next_selector: "//button[contains(@class,'btn-next')]"
next_selector_xpath: true
match_threshold: 70
business_keywords: [erp, fill]
scan_max_wait: 15s
db_path: /var/lib/formweaver/progress.db
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.SourceID != "orders.xlsx" || cfg.KeyField != "编号" || !cfg.SingleRecord {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.BatchSize != 20 || cfg.MatchThreshold != 70 {
		t.Errorf("numbers = %d, %d", cfg.BatchSize, cfg.MatchThreshold)
	}
	if cfg.ScanMaxWait != 15*time.Second {
		t.Errorf("scan_max_wait = %v", cfg.ScanMaxWait)
	}
	sel, ok := cfg.nextSelector()
	if !ok || sel.Kind != dom.KindPath {
		t.Errorf("next selector = %+v, %v; want xpath selector", sel, ok)
	}
	if len(cfg.BusinessKeywords) != 2 {
		t.Errorf("keywords = %v", cfg.BusinessKeywords)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFile on missing file: err = nil, want error")
	}
}
