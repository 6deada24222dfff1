// Package clip implements kanyo's clip extractor / clip manager (spec.md
// §4.6): arrival/departure sub-clips carved out of a completed visit
// recording, direct-from-buffer clips for moments with no recording, and
// debounced state-change clips — all on a small bounded worker pool so
// extraction never blocks the detection loop.
package clip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/ffmpegcmd"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/framebuffer"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/recorder"
)

// ExtractionError is kanyo's ExtractionFailure (spec.md §7.7): a clip
// extraction exited nonzero. Logged; never propagated to the detection
// loop or the state machine.
type ExtractionError struct {
	Kind string
	Err  error
}

func (e *ExtractionError) Error() string { return fmt.Sprintf("clip: %s extraction failed: %v", e.Kind, e.Err) }
func (e *ExtractionError) Unwrap() error { return e.Err }

// Options configures the Manager.
type Options struct {
	FFmpegPath            string
	Encoder               ffmpegcmd.Encoder
	ArrivalBefore         time.Duration
	ArrivalAfter          time.Duration
	DepartureBefore       time.Duration
	DepartureAfter        time.Duration
	StateChangeBefore     time.Duration
	StateChangeAfter      time.Duration
	StateChangeCooldown   time.Duration
	FPS                   int
	CRF                   int
	Workers               int64
}

// Manager runs clip extractions on a bounded worker pool, fire-and-forget.
// Failures are logged but never returned to callers — spec.md §4.6 requires
// extraction to never propagate back into the detection loop.
type Manager struct {
	opts Options
	log  *logging.Logger
	sem  *semaphore.Weighted
	wg   sync.WaitGroup

	mu                sync.Mutex
	pendingStateTimer *time.Timer
}

// New returns a Manager with a worker pool bounded at opts.Workers (spec.md
// §4.6 names 2 as the example bound).
func New(opts Options, log *logging.Logger) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	return &Manager{opts: opts, log: log, sem: semaphore.NewWeighted(opts.Workers)}
}

// Wait cancels any pending debounced state-change clip, then blocks until
// all extractions already handed to the worker pool complete; used on
// shutdown per spec.md §5 (the worker pool is joined with no maximum wait
// in the reference design).
func (m *Manager) Wait() {
	m.mu.Lock()
	if m.pendingStateTimer != nil {
		m.pendingStateTimer.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, kind string, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.log.Warning("clip worker pool: acquire failed", zap.String("kind", kind), zap.Error(err))
			return
		}
		defer m.sem.Release(1)
		if err := fn(ctx); err != nil {
			m.log.Error("clip extraction failed", zap.String("kind", kind), zap.Error(&ExtractionError{Kind: kind, Err: err}))
		}
	}()
}

// ArrivalClip schedules the arrival sub-clip: offset 0 of the visit file,
// duration arrival_before+arrival_after. Because the file's first
// lead_in_seconds are buffer lead-in, this naturally surfaces pre-arrival
// context (spec.md §4.6).
func (m *Manager) ArrivalClip(ctx context.Context, rec recorder.Recording, outPath string) {
	duration := (m.opts.ArrivalBefore + m.opts.ArrivalAfter).Seconds()
	m.run(ctx, "arrival", func(ctx context.Context) error {
		return recorder.ExtractFromFile(ctx, m.opts.FFmpegPath, rec.VisitFile, 0, duration, outPath)
	})
}

// DepartureClip schedules the departure sub-clip, centered on the last
// detection timestamp rather than the file's end (spec.md §4.6's key
// discipline, since the file may extend into post-departure lead-out;
// spec.md §8 Scenario 6 gives the worked numbers departureClipWindow
// reproduces).
func (m *Manager) DepartureClip(ctx context.Context, rec recorder.Recording, outPath string) {
	start, duration := departureClipWindow(rec, m.opts.DepartureBefore, m.opts.DepartureAfter)
	m.run(ctx, "departure", func(ctx context.Context) error {
		return recorder.ExtractFromFile(ctx, m.opts.FFmpegPath, rec.VisitFile, start, duration, outPath)
	})
}

// departureClipWindow computes the [start, start+duration] window inside
// the visit file for the departure sub-clip: centered on
// last_detection_offset = visit_end − recording_start, not the file's end
// (spec.md §4.6, worked in spec.md §8 Scenario 6).
func departureClipWindow(rec recorder.Recording, before, after time.Duration) (start, duration float64) {
	lastDetectionOffset := rec.VisitEnd.Sub(rec.RecordingStart).Seconds()
	start = lastDetectionOffset - before.Seconds()
	if start < 0 {
		start = 0
	}
	duration = (before + after).Seconds()
	return start, duration
}

// ThumbnailClip schedules a single-frame JPEG extraction at offsetSeconds
// into rec.VisitFile, populating the VisitRecord.ThumbnailPath spec.md §3/§6
// name (spec.md §4.6).
func (m *Manager) ThumbnailClip(ctx context.Context, rec recorder.Recording, offsetSeconds float64, outPath string) {
	m.run(ctx, "thumbnail", func(ctx context.Context) error {
		return recorder.ExtractThumbnail(ctx, m.opts.FFmpegPath, rec.VisitFile, offsetSeconds, outPath)
	})
}

// BufferClip schedules a direct-from-buffer clip: a [t-before, t+after]
// window decoded from buffered frames and re-encoded, used for "initial"
// clips at startup or other moments with no visit recording (spec.md
// §4.6).
func (m *Manager) BufferClip(ctx context.Context, buf *framebuffer.Buffer, t time.Time, before, after time.Duration, outPath string) {
	start := t.Add(-before)
	end := t.Add(after)
	m.run(ctx, "buffer", func(ctx context.Context) error {
		return buf.ExtractClip(ctx, m.opts.FFmpegPath, m.opts.Encoder, start, end, outPath, m.opts.FPS, m.opts.CRF)
	})
}

// ScheduleStateChangeClip debounces a ROOSTING/ACTIVITY_* clip: the timer
// resets on each call within state_change_cooldown, and the clip is only
// cut after the timer fully elapses, turning a fidgety roosting/activity
// oscillation into a single clip (spec.md §4.6).
func (m *Manager) ScheduleStateChangeClip(ctx context.Context, buf *framebuffer.Buffer, t time.Time, outPathFn func() string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingStateTimer != nil {
		m.pendingStateTimer.Stop()
	}
	before, after := m.opts.StateChangeBefore, m.opts.StateChangeAfter
	m.pendingStateTimer = time.AfterFunc(m.opts.StateChangeCooldown, func() {
		m.BufferClip(ctx, buf, t, before, after, outPathFn())
	})
}

// CancelStateChangeClip cancels any pending debounced state-change clip; a
// departure always cancels it (spec.md §4.6).
func (m *Manager) CancelStateChangeClip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingStateTimer != nil {
		m.pendingStateTimer.Stop()
		m.pendingStateTimer = nil
	}
}
