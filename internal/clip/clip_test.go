package clip

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/recorder"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, cleanup, err := logging.New(logging.Config{Level: logging.DebugLevel})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	t.Cleanup(cleanup)
	return log.Named("kanyo.clip.test")
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	m := New(Options{Workers: 2}, testLogger(t))

	var active int32
	var maxActive int32
	var mu sync.Mutex
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		m.run(context.Background(), "test", func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			mu.Lock()
			if n > maxActive {
				maxActive = n
			}
			mu.Unlock()
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	m.Wait()

	if maxActive > 2 {
		t.Fatalf("worker pool exceeded bound: max concurrent = %d, want <= 2", maxActive)
	}
}

func TestWorkerPoolSurvivesFailingExtraction(t *testing.T) {
	m := New(Options{Workers: 1}, testLogger(t))
	var ran int32
	m.run(context.Background(), "test", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return errFake{}
	})
	m.Wait()
	if ran != 1 {
		t.Fatalf("expected the failing extraction to still run exactly once, got %d", ran)
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake extraction failure" }

// TestDepartureClipWindowMatchesScenario6 pins spec.md §8 Scenario 6's
// worked numbers: visit from t0+10 to t0+1800 (30 min), recording starts
// at t0-15 (15s lead-in), departure_before=30s, departure_after=15s.
// last_detection_offset = (1800+15) = 1815, start = 1815-30 = 1785,
// duration = 30+15 = 45.
func TestDepartureClipWindowMatchesScenario6(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name            string
		recordingStart  time.Time
		visitEnd        time.Time
		before          time.Duration
		after           time.Duration
		wantStart       float64
		wantDuration    float64
	}{
		{
			name:           "scenario 6 departure clip framing",
			recordingStart: t0.Add(-15 * time.Second),
			visitEnd:       t0.Add(1800 * time.Second),
			before:         30 * time.Second,
			after:          15 * time.Second,
			wantStart:      1785,
			wantDuration:   45,
		},
		{
			name:           "short visit clamps start to zero rather than going negative",
			recordingStart: t0.Add(-15 * time.Second),
			visitEnd:       t0.Add(10 * time.Second),
			before:         30 * time.Second,
			after:          15 * time.Second,
			wantStart:      0,
			wantDuration:   45,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := recorder.Recording{RecordingStart: tc.recordingStart, VisitEnd: tc.visitEnd}
			start, duration := departureClipWindow(rec, tc.before, tc.after)
			if start != tc.wantStart {
				t.Errorf("start offset = %v, want %v", start, tc.wantStart)
			}
			if duration != tc.wantDuration {
				t.Errorf("duration = %v, want %v", duration, tc.wantDuration)
			}
		})
	}
}

func TestCancelStateChangeClipStopsPendingTimer(t *testing.T) {
	m := New(Options{Workers: 1, StateChangeCooldown: 50 * time.Millisecond}, testLogger(t))
	m.ScheduleStateChangeClip(context.Background(), nil, time.Now(), func() string { return "/tmp/should-not-run.mp4" })
	m.CancelStateChangeClip()

	time.Sleep(100 * time.Millisecond)
	m.Wait() // should return immediately; no extraction was ever scheduled to run
}
