package progress_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/formweaver/dbopen"
	"github.com/hazyhaar/formweaver/progress"
)

func newStore(t *testing.T) *progress.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(progress.Schema))
	s := progress.NewStore(db, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveSummaryUpsert(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sum := &progress.Summary{
		SessionID: "sess_1", SourceID: "orders.xlsx",
		TotalRows: 50, Cursor: 0, Page: 1, Status: "running",
	}
	if err := s.SaveSummary(ctx, sum); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	sum.Cursor, sum.Filled, sum.Failed, sum.Page, sum.Status = 12, 11, 1, 2, "paused"
	if err := s.SaveSummary(ctx, sum); err != nil {
		t.Fatalf("SaveSummary update: %v", err)
	}

	got, err := s.Summary(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got.Cursor != 12 || got.Filled != 11 || got.Failed != 1 || got.Page != 2 || got.Status != "paused" {
		t.Errorf("loaded = %+v", got)
	}
	if got.TotalRows != 50 || got.SourceID != "orders.xlsx" {
		t.Errorf("identity fields changed: %+v", got)
	}
}

func TestSummaryMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Summary(context.Background(), "nope"); err == nil {
		t.Fatal("Summary of unknown session: err = nil, want error")
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := &progress.Summary{SessionID: "a", SourceID: "x", Status: "completed", Page: 1}
	b := &progress.Summary{SessionID: "b", SourceID: "y", Status: "running", Page: 1}
	if err := s.SaveSummary(ctx, a); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.SaveSummary(ctx, b); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	a.Status = "aborted"
	if err := s.SaveSummary(ctx, a); err != nil {
		t.Fatal(err)
	}

	list, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}
	if list[0].SessionID != "a" || list[1].SessionID != "b" {
		t.Errorf("order = %s, %s; want most recently updated first", list[0].SessionID, list[1].SessionID)
	}
}

func TestRecordAsyncRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.RecordAsync(&progress.Record{
			SessionID: "sess_1",
			SourceRow: i,
			Page:      1,
			DestRow:   i,
			Values:    map[string]string{"金额": "10"},
			Status:    "success",
		})
	}
	s.RecordAsync(&progress.Record{
		SessionID:   "sess_1",
		SourceRow:   3,
		Page:        2,
		DestRow:     -1,
		Values:      map[string]string{},
		Status:      "skipped",
		AnchorValue: "A999",
		Error:       "anchor A999 not found on page",
	})
	// Close drains the buffer; records are only guaranteed durable after.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs, err := s.Records(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	if recs[0].Values["金额"] != "10" {
		t.Errorf("values = %v", recs[0].Values)
	}
	last := recs[3]
	if last.Status != "skipped" || last.DestRow != -1 || last.AnchorValue != "A999" {
		t.Errorf("skip record = %+v", last)
	}
	if last.ID == "" {
		t.Error("record ID was not assigned")
	}
}

func TestValuesEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"A001", "A001", true},
		{" A001 ", "A001", true},
		{"100", "100.0", true},
		{"100", "100.00", true},
		{"0.5", ".5", true},
		{"100", "101", false},
		{"A001", "A002", false},
		{"abc", "100", false},
	}
	for _, tc := range cases {
		if got := progress.ValuesEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("ValuesEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
