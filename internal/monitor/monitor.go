// Package monitor is kanyo's top-level per-stream orchestrator (spec.md
// §4.9): wires capture, frame buffer, detector, behavior state machine,
// visit recorder, clip manager, event store, and notification gate
// together and runs the detection loop. Every component is owned here and
// communicates upward by returning events/values — never by calling back
// into the Monitor (spec.md §9 one-way-ownership design note).
package monitor

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/behavior"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/capture"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/clip"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/config"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/encoder"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/eventstore"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/framebuffer"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/notify"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/recorder"
)

// Detection is the pure-function detector's output (spec.md §3); the
// detector itself is out of scope (spec.md §1) — the Monitor only depends
// on this shape.
type Detection struct {
	ClassID    int
	ClassName  string
	Confidence float64
	Box        [4]int // x1, y1, x2, y2
	Timestamp  time.Time
}

// Detector is the out-of-scope collaborator spec.md §1 calls "a pure
// function detect(frame) -> list<box>".
type Detector interface {
	Detect(img image.Image) ([]Detection, error)
}

const (
	heartbeatInterval = 5 * time.Minute
	watchdogTimeout   = 60 * time.Second
)

// Monitor is one stream's orchestrator.
type Monitor struct {
	cfg *config.Config
	log *logging.Logger

	capture  *capture.StreamCapture
	buffer   *framebuffer.Buffer
	detector Detector
	machine  *behavior.Machine
	recorder *recorder.Recorder
	clips    *clip.Manager
	events   *eventstore.Store
	gate     *notify.Gate

	subjectLabel string

	lastFrameAt time.Time
	lastHeartbeat time.Time
}

// New wires every owned component from cfg. detector and backend are
// supplied by the caller (cmd/kanyo) since both are out of the core's
// scope (spec.md §1). verbose bypasses the encoder-probe cache, the same
// flag cmd/kanyo's probe-encoder subcommand uses (spec.md §4.1).
func New(ctx context.Context, cfg *config.Config, detector Detector, backend notify.Backend, verbose bool, log *logging.Logger) (*Monitor, error) {
	enc := encoder.Detect(ctx, cfg.EncoderProbePath, verbose, log)
	clipsDir := cfg.ClipsDirPath()

	store := eventstore.New(clipsDir, func(e *eventstore.CorruptFileError) {
		log.Warning("event file corrupt, renaming to .bak", zap.String("path", e.Path), zap.Error(e.Err))
	})

	rec := recorder.New(recorder.Options{
		ClipsDir:      clipsDir,
		FFmpegPath:    cfg.EncoderProbePath,
		Encoder:       enc,
		Width:         1280,
		Height:        720,
		FPS:           cfg.ClipFPS,
		CRF:           cfg.ClipCRF,
		LeadInSeconds: float64(cfg.ClipArrivalBefore),
		Location:      cfg.Location,
	}, log)

	clipMgr := clip.New(clip.Options{
		FFmpegPath:          cfg.EncoderProbePath,
		Encoder:             enc,
		ArrivalBefore:       time.Duration(cfg.ClipArrivalBefore) * time.Second,
		ArrivalAfter:        time.Duration(cfg.ClipArrivalAfter) * time.Second,
		DepartureBefore:     time.Duration(cfg.ClipDepartureBefore) * time.Second,
		DepartureAfter:      time.Duration(cfg.ClipDepartureAfter) * time.Second,
		StateChangeBefore:   time.Duration(cfg.ClipStateChangeBefore) * time.Second,
		StateChangeAfter:    time.Duration(cfg.ClipStateChangeAfter) * time.Second,
		StateChangeCooldown: time.Duration(cfg.ClipStateChangeCooldown) * time.Second,
		FPS:                 cfg.ClipFPS,
		CRF:                 cfg.ClipCRF,
		Workers:             int64(cfg.ClipWorkers),
	}, log)

	sc := capture.New(capture.Options{
		ResolverPath:      cfg.ResolverPath,
		FFmpegPath:        cfg.EncoderProbePath,
		MaxHeight:         cfg.MaxHeight,
		ReconnectDelay:    time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		RecoveryCooldown:  time.Duration(cfg.RecoveryCooldownSeconds) * time.Second,
		Location:          cfg.Location,
		Width:             1280,
		Height:            720,
		FPS:               cfg.BufferFPS,
	}, log)

	machine := behavior.New(behavior.Params{
		ExitTimeout:         time.Duration(cfg.ExitTimeout) * time.Second,
		RoostingThreshold:   time.Duration(cfg.RoostingThreshold) * time.Second,
		RoostingExitTimeout: time.Duration(cfg.RoostingExitTimeout) * time.Second,
		ActivityTimeout:     time.Duration(cfg.ActivityTimeout) * time.Second,
	})

	gate := notify.New(time.Duration(cfg.NotificationCooldownMinutes)*time.Minute, backend, log)

	return &Monitor{
		cfg:          cfg,
		log:          log,
		capture:      sc,
		buffer:       framebuffer.New(cfg.BufferSeconds, cfg.BufferFPS),
		detector:     detector,
		machine:      machine,
		recorder:     rec,
		clips:        clipMgr,
		events:       store,
		gate:         gate,
		subjectLabel: cfg.SubjectLabel,
	}, nil
}

// Run executes the per-stream main loop until ctx is canceled or
// max_runtime_seconds elapses (spec.md §4.9).
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.capture.Connect(ctx, m.cfg.VideoSource); err != nil {
		return fmt.Errorf("monitor: initial connect: %w", err)
	}
	defer m.shutdown(ctx)

	if m.cfg.MaxRuntimeSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.cfg.MaxRuntimeSeconds)*time.Second)
		defer cancel()
	}

	if err := m.runInitializationWindow(ctx); err != nil {
		return err
	}

	return m.runNormalOperation(ctx)
}

// runInitializationWindow buffers and detects every frame for
// arrival_confirmation_seconds, without sub-sampling, accumulating a
// detection ratio; no state-machine events are emitted (spec.md §4.9).
func (m *Monitor) runInitializationWindow(ctx context.Context) error {
	m.machine.SetInitializing(true)
	defer m.machine.SetInitializing(false)

	deadline := time.Now().Add(time.Duration(m.cfg.ArrivalConfirmationSeconds) * time.Second)
	var frames, detections int
	var firstDetection time.Time
	var peakConfidence float64

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := m.capture.ReadFrame()
		if err != nil {
			if rerr := m.reconnectOrFail(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}
		m.lastFrameAt = f.Timestamp

		img := decodeBGR(f)
		_ = m.buffer.AddFrame(img, m.cfg.JPEGQuality, f.Timestamp, f.Num)

		frames++
		dets, err := m.detector.Detect(img)
		if err != nil {
			m.log.Warning("detector error during initialization window", zap.Error(err))
			continue
		}
		if len(dets) > 0 {
			detections++
			if firstDetection.IsZero() {
				firstDetection = f.Timestamp
			}
			for _, d := range dets {
				if d.Confidence > peakConfidence {
					peakConfidence = d.Confidence
				}
			}
		}
	}

	if frames == 0 {
		return nil
	}
	ratio := float64(detections) / float64(frames)
	if ratio >= m.cfg.ArrivalConfirmationRatio {
		m.machine.EnterPendingStartup(firstDetection)
		events := m.machine.ConfirmStartupPresence(firstDetection, time.Now())
		m.handleEvents(ctx, events)
		leadIn := m.buffer.FramesBefore(firstDetection, float64(m.cfg.ClipArrivalBefore))
		if err := m.recorder.StartRecording(ctx, firstDetection, leadIn); err != nil {
			m.log.Warning("failed to open startup visit recording", zap.Error(err))
		}
	} else {
		m.machine.ResetToAbsent()
		m.log.Info("startup detection ratio below threshold, resetting to absent",
			zap.Float64("ratio", ratio), zap.Float64("threshold", m.cfg.ArrivalConfirmationRatio))
	}
	return nil
}

// runNormalOperation buffers every frame, feeds every process_interval-th
// frame to the detector, and pipes frames to an active recording (spec.md
// §4.9 step 4).
func (m *Monitor) runNormalOperation(ctx context.Context) error {
	m.lastHeartbeat = time.Now()
	frameCount := int64(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f, err := m.capture.ReadFrame()
		if err != nil {
			if rerr := m.reconnectOrFail(ctx, err); rerr != nil {
				return rerr
			}
			continue
		}
		m.lastFrameAt = f.Timestamp
		frameCount++

		img := decodeBGR(f)
		_ = m.buffer.AddFrame(img, m.cfg.JPEGQuality, f.Timestamp, f.Num)

		if m.recorder.Recording() {
			if err := m.recorder.WriteFrame(f.Data); err != nil {
				m.log.Debug("recorder write_frame dropped a frame", zap.Error(err))
			}
		}

		if frameCount%int64(m.cfg.FrameInterval) == 0 {
			dets, err := m.detector.Detect(img)
			if err != nil {
				m.log.Warning("detector error", zap.Error(err))
			} else {
				detected := len(dets) > 0
				confidence := 0.0
				for _, d := range dets {
					if d.Confidence > confidence {
						confidence = d.Confidence
					}
				}
				events := m.machine.Update(detected, f.Timestamp, confidence)
				m.handleEvents(ctx, events)
			}
		}

		m.checkHeartbeatAndWatchdog()
	}
}

func (m *Monitor) reconnectOrFail(ctx context.Context, readErr error) error {
	m.log.Warning("stream read failed, reconnecting", zap.Error(readErr))
	if err := m.capture.Reconnect(ctx, m.cfg.VideoSource); err != nil {
		return fmt.Errorf("monitor: reconnect failed: %w", err)
	}
	return nil
}

func (m *Monitor) checkHeartbeatAndWatchdog() {
	now := time.Now()
	if now.Sub(m.lastHeartbeat) >= heartbeatInterval {
		m.log.Event("heartbeat", zap.String("state", string(m.machine.State())))
		m.lastHeartbeat = now
	}
	if !m.lastFrameAt.IsZero() && now.Sub(m.lastFrameAt) >= watchdogTimeout {
		m.log.Warning("no frames received recently", zap.Duration("since_last_frame", now.Sub(m.lastFrameAt)))
		m.lastFrameAt = now
	}
}

// handleEvents invokes the notification gate and schedules clips for each
// emitted behavior event (spec.md §4.9 step 5).
func (m *Monitor) handleEvents(ctx context.Context, events []behavior.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case behavior.Arrived:
			m.handleArrived(ctx, ev)
		case behavior.Departed:
			m.handleDeparted(ctx, ev)
		case behavior.RoostingEvent, behavior.ActivityStart, behavior.ActivityEnd:
			m.handleStateChange(ctx, ev)
		case behavior.StartupConfirmed:
			m.log.Event("startup confirmed", zap.Time("visit_start", m.machine.VisitStart()))
		}
	}
}

func (m *Monitor) handleArrived(ctx context.Context, ev behavior.Event) {
	m.log.Event(m.subjectLabel+" arrived", zap.Time("ts", ev.Timestamp))
	leadIn := m.buffer.FramesBefore(ev.Timestamp, float64(m.cfg.ClipArrivalBefore))
	if err := m.recorder.StartRecording(ctx, ev.Timestamp, leadIn); err != nil {
		m.log.Warning("failed to start visit recording", zap.Error(err))
	}
	m.gate.OnArrival(ev.Timestamp, m.subjectLabel+" arrived", "", "")
}

func (m *Monitor) handleDeparted(ctx context.Context, ev behavior.Event) {
	m.log.Event(m.subjectLabel+" departed", zap.Time("ts", ev.Timestamp))
	m.clips.CancelStateChangeClip()

	if !m.recorder.Recording() {
		m.appendVisitRecord(ev, eventstore.VisitRecord{})
		return
	}

	rec, err := m.recorder.StopRecording(ctx, ev.Timestamp)
	if err != nil {
		m.log.Warning("stop_recording reported an error; visit file may be truncated", zap.Error(err))
	}

	dateDir := rec.VisitStart.In(m.cfg.Location).Format("2006-01-02")
	hhmmss := rec.VisitStart.In(m.cfg.Location).Format("150405")
	arrivalPath := filepath.Join(m.cfg.ClipsDirPath(), dateDir, fmt.Sprintf("falcon_%s_arrival.mp4", hhmmss))
	departurePath := filepath.Join(m.cfg.ClipsDirPath(), dateDir, fmt.Sprintf("falcon_%s_departure.mp4", hhmmss))
	thumbnailPath := filepath.Join(m.cfg.ClipsDirPath(), dateDir, fmt.Sprintf("falcon_%s_departure.jpg", hhmmss))
	m.clips.ArrivalClip(ctx, rec, arrivalPath)
	m.clips.DepartureClip(ctx, rec, departurePath)
	m.clips.ThumbnailClip(ctx, rec, lastDetectionOffset(rec), thumbnailPath)

	visit := eventstore.VisitRecord{
		ID:                hhmmss,
		StartTime:         rec.VisitStart,
		EndTime:           &rec.VisitEnd,
		DurationSeconds:   int(rec.DurationSeconds),
		DurationStr:       eventstore.FormatDuration(time.Duration(rec.DurationSeconds) * time.Second),
		PeakConfidence:    m.machine.PeakConfidence(),
		ArrivalClipPath:   arrivalPath,
		DepartureClipPath: departurePath,
		ThumbnailPath:     thumbnailPath,
		VisitFilePath:     rec.VisitFile,
	}
	m.appendVisitRecord(ev, visit)
	m.gate.OnDeparture(ev.Timestamp, m.subjectLabel+" departed", visit.DurationStr, "")
}

// lastDetectionOffset mirrors clip.Manager.DepartureClip's own offset
// formula (spec.md §4.6) so the departure thumbnail is pulled from the same
// moment as the departure clip, not the file's tail.
func lastDetectionOffset(rec recorder.Recording) float64 {
	offset := rec.VisitEnd.Sub(rec.RecordingStart).Seconds()
	if offset < 0 {
		return 0
	}
	return offset
}

func (m *Monitor) appendVisitRecord(ev behavior.Event, visit eventstore.VisitRecord) {
	if visit.StartTime.IsZero() {
		visit.StartTime = ev.Timestamp
		visit.EndTime = &ev.Timestamp
	}
	if err := m.events.Append(visit, m.cfg.Location); err != nil {
		m.log.Error("failed to append visit to event store", zap.Error(err))
	}
}

func (m *Monitor) handleStateChange(ctx context.Context, ev behavior.Event) {
	m.log.Event("behavior state change", zap.String("event", string(ev.Kind)), zap.Time("ts", ev.Timestamp))
	if m.recorder.Recording() {
		m.recorder.LogEvent(string(ev.Kind), ev.Timestamp, ev.Metadata)
	}
	dateDir := ev.Timestamp.In(m.cfg.Location).Format("2006-01-02")
	hhmmss := ev.Timestamp.In(m.cfg.Location).Format("150405")
	outPath := filepath.Join(m.cfg.ClipsDirPath(), dateDir,
		fmt.Sprintf("falcon_%s_%s.mp4", hhmmss, string(ev.Kind)))
	m.clips.ScheduleStateChangeClip(ctx, m.buffer, ev.Timestamp, func() string { return outPath })
}

// shutdown force-stops any active recording at now, shuts down the clip
// worker pool, disconnects capture, and persists any half-open visit
// (spec.md §4.9).
func (m *Monitor) shutdown(ctx context.Context) {
	if m.recorder.Recording() {
		now := time.Now()
		rec, err := m.recorder.StopRecording(ctx, now)
		if err != nil {
			m.log.Warning("error force-stopping recording on shutdown", zap.Error(err))
		}
		// An encoder that exited nonzero still leaves a renamed visit file
		// and a filled-in record; only a failed rename returns an empty one.
		if rec.VisitFile != "" {
			dateDir := rec.VisitStart.In(m.cfg.Location).Format("2006-01-02")
			hhmmss := rec.VisitStart.In(m.cfg.Location).Format("150405")
			thumbnailPath := filepath.Join(m.cfg.ClipsDirPath(), dateDir, fmt.Sprintf("falcon_%s_departure.jpg", hhmmss))
			m.clips.ThumbnailClip(ctx, rec, lastDetectionOffset(rec), thumbnailPath)

			visit := eventstore.VisitRecord{
				ID:              hhmmss,
				StartTime:       rec.VisitStart,
				EndTime:         &rec.VisitEnd,
				DurationSeconds: int(rec.DurationSeconds),
				DurationStr:     eventstore.FormatDuration(time.Duration(rec.DurationSeconds) * time.Second),
				ThumbnailPath:   thumbnailPath,
				VisitFilePath:   rec.VisitFile,
			}
			if err := m.events.Append(visit, m.cfg.Location); err != nil {
				m.log.Error("failed to persist half-open visit on shutdown", zap.Error(err))
			}
		}
	}
	m.clips.Wait()
	m.capture.Disconnect()
}

// State reports the behavior state machine's current state; satisfies
// admin.StatusProvider so the admin surface can report status without
// reaching into the detection loop.
func (m *Monitor) State() behavior.State { return m.machine.State() }

// VisitStart reports the current visit's start timestamp, zero if none is
// active; satisfies admin.StatusProvider.
func (m *Monitor) VisitStart() time.Time { return m.machine.VisitStart() }

// Events exposes the Monitor's event store so the admin surface can serve
// /api/visits without duplicating the store (spec.md §4.10).
func (m *Monitor) Events() *eventstore.Store { return m.events }

// decodeBGR wraps a raw BGR24 capture.Frame as an image.Image for the
// detector and frame buffer, which both operate on decoded images rather
// than raw byte slices.
func decodeBGR(f capture.Frame) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := (y*f.Width + x) * 3
			if i+2 >= len(f.Data) {
				continue
			}
			b, g, r := f.Data[i], f.Data[i+1], f.Data[i+2]
			o := img.PixOffset(x, y)
			img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = r, g, b, 255
		}
	}
	return img
}
