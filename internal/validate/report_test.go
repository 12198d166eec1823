package validate

import "testing"

func TestReportAccumulatesViolations(t *testing.T) {
	var r Report
	if r.HasErrors() {
		t.Fatal("expected a fresh report to have no errors")
	}
	r.Add("body.subject", "required")
	r.Add("body.to", "invalid agent id")
	if !r.HasErrors() {
		t.Fatal("expected HasErrors to be true after Add")
	}
	if len(r.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(r.Violations))
	}
	if first := r.First(); first.Path != "body.subject" {
		t.Fatalf("expected First to return the earliest violation, got %+v", first)
	}
}

func TestReportFirstOnEmpty(t *testing.T) {
	var r Report
	if got := r.First(); got.Path != "" || got.Message != "" {
		t.Fatalf("expected a zero-value violation on an empty report, got %+v", got)
	}
}
