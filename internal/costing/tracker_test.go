package costing

import (
	"os"
	"testing"
)

func TestRecordAccumulatesPerArc(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir)

	before, after := tr.Record(Event{Arc: "libera#test", CostUSD: 0.15})
	if before != 0 {
		t.Fatalf("before = %v, want 0", before)
	}
	if after != 0.15 {
		t.Fatalf("after = %v, want 0.15", after)
	}

	before2, after2 := tr.Record(Event{Arc: "libera#test", CostUSD: 0.10})
	if before2 != 0.15 || after2 != 0.25 {
		t.Fatalf("got before=%v after=%v, want 0.15/0.25", before2, after2)
	}
}

func TestCrossedWholeDollar(t *testing.T) {
	if !CrossedWholeDollar(0.95, 1.05) {
		t.Fatal("expected a crossing from 0.95 to 1.05")
	}
	if CrossedWholeDollar(1.05, 1.50) {
		t.Fatal("expected no crossing within the same dollar")
	}
}

func TestRecordWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(dir)
	tr.Record(Event{Arc: "a#b", CostUSD: 0.01, Model: "claude-sonnet-4-5"})

	data, err := os.ReadFile(tr.filePath)
	if err != nil {
		t.Fatalf("reading jsonl: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty jsonl file")
	}
}
