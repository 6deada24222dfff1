// Package eventstore is kanyo's append-only daily JSON log of completed
// visits (spec.md §4.2), sharded by the local date of each visit's own
// start timestamp — never by wall-clock time at append time (spec.md
// invariant 5, design note in §9).
package eventstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// VisitRecord is the persisted shape of one completed (or still-open)
// visit, matching the visit-JSON record spec.md §6 defines.
type VisitRecord struct {
	ID                string     `json:"id"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time"`
	DurationSeconds   int        `json:"duration_seconds"`
	DurationStr       string     `json:"duration_str"`
	PeakConfidence    float64    `json:"peak_confidence"`
	ThumbnailPath     string     `json:"thumbnail_path"`
	ArrivalClipPath   string     `json:"arrival_clip_path"`
	DepartureClipPath string     `json:"departure_clip_path"`
	VisitFilePath     string     `json:"visit_file_path"`
}

// CorruptFileError is kanyo's CorruptEventFile (spec.md §7.6): the day's
// JSON file failed to parse. The store never surfaces this to callers of
// Append/Load — it renames the bad file to .bak and proceeds as if the day
// were empty — but the type exists so tests can assert that path was hit.
type CorruptFileError struct {
	Path string
	Err  error
}

func (e *CorruptFileError) Error() string {
	return fmt.Sprintf("eventstore: corrupt event file %s: %v", e.Path, e.Err)
}
func (e *CorruptFileError) Unwrap() error { return e.Err }

// Store reads and writes the per-date event files under a stream's clips
// directory. One Store per stream; Append is the only writer and must only
// ever be called from the monitor's main loop (spec.md §5 shared-resource
// policy) — the admin surface only reads.
type Store struct {
	mu       sync.Mutex
	dir      string
	onCorrupt func(*CorruptFileError)
}

// New returns a Store rooted at dir (the stream's clips directory; dated
// files live directly under it as events_YYYY-MM-DD.json per spec.md §6).
// onCorrupt, if non-nil, is invoked (for logging) whenever a day's file is
// found corrupt and renamed to .bak.
func New(dir string, onCorrupt func(*CorruptFileError)) *Store {
	return &Store{dir: dir, onCorrupt: onCorrupt}
}

func (s *Store) pathForDate(date string) string {
	return filepath.Join(s.dir, "events_"+date+".json")
}

// Append loads the file for the local date of v.StartTime (in loc), appends
// v, and writes the file back, creating it if missing.
func (s *Store) Append(v VisitRecord, loc *time.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := v.StartTime.In(loc).Format("2006-01-02")
	records := s.loadLocked(date)
	records = append(records, v)
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("eventstore: marshal: %w", err)
	}
	tmp := s.pathForDate(date) + ".tmp"
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("eventstore: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("eventstore: write: %w", err)
	}
	return os.Rename(tmp, s.pathForDate(date))
}

// Load reads the per-date file; if absent or corrupt it is treated as
// empty (never returns an error to the caller) per spec.md §4.2.
func (s *Store) Load(date string) []VisitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(date)
}

func (s *Store) loadLocked(date string) []VisitRecord {
	path := s.pathForDate(date)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var records []VisitRecord
	if err := json.Unmarshal(data, &records); err != nil {
		cerr := &CorruptFileError{Path: path, Err: err}
		if s.onCorrupt != nil {
			s.onCorrupt(cerr)
		}
		bak := path + ".bak"
		_ = os.Rename(path, bak)
		return nil
	}
	return records
}

// ListToday is a convenience over Load using the stream's configured tz.
func (s *Store) ListToday(loc *time.Location) []VisitRecord {
	return s.Load(time.Now().In(loc).Format("2006-01-02"))
}

// FormatDuration renders a duration as the visit record's human-readable
// duration_str, e.g. "3m 42s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
