package eventstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndLoadShardsByVisitStartDate(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)

	loc := time.UTC
	// The visit starts late on 2026-01-01 and would still be running (or
	// appended) well into 2026-01-02 wall-clock time; it must still land in
	// the 2026-01-01 shard because sharding keys off the visit's own start
	// timestamp, not append time (spec.md invariant 5).
	start := time.Date(2026, 1, 1, 23, 50, 0, 0, time.UTC)
	end := start.Add(20 * time.Minute)
	v := VisitRecord{
		ID:              "visit-1",
		StartTime:       start,
		EndTime:         &end,
		DurationSeconds: 1200,
		DurationStr:     FormatDuration(20 * time.Minute),
		PeakConfidence:  0.92,
	}

	if err := store.Append(v, loc); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records := store.Load("2026-01-01")
	if len(records) != 1 {
		t.Fatalf("expected 1 record in 2026-01-01 shard, got %d", len(records))
	}
	if records[0].ID != "visit-1" {
		t.Fatalf("unexpected record: %+v", records[0])
	}

	if records := store.Load("2026-01-02"); len(records) != 0 {
		t.Fatalf("expected no records in 2026-01-02 shard, got %d", len(records))
	}
}

func TestAppendAccumulatesWithinOneShard(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, nil)
	loc := time.UTC
	day := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		v := VisitRecord{ID: "visit", StartTime: day.Add(time.Duration(i) * time.Hour)}
		if err := store.Append(v, loc); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	records := store.Load("2026-02-01")
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}

func TestLoadMissingFileReturnsEmptyNotError(t *testing.T) {
	store := New(t.TempDir(), nil)
	if records := store.Load("2026-03-03"); records != nil {
		t.Fatalf("expected nil for missing shard, got %v", records)
	}
}

func TestLoadCorruptFileQuarantinesAndReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events_2026-04-04.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	var caught *CorruptFileError
	store := New(dir, func(e *CorruptFileError) { caught = e })

	records := store.Load("2026-04-04")
	if records != nil {
		t.Fatalf("expected empty result for corrupt file, got %v", records)
	}
	if caught == nil {
		t.Fatal("expected onCorrupt callback to fire")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt file moved aside, still present at %s", path)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected .bak file to exist: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{3 * time.Minute, "3m 0s"},
		{3*time.Minute + 42*time.Second, "3m 42s"},
		{2 * time.Hour, "2h 0m 0s"},
		{time.Hour + 5*time.Minute + 9*time.Second, "1h 5m 9s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
