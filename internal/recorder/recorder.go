// Package recorder implements kanyo's visit recorder (spec.md §4.5): spawns
// an encoder subprocess, streams raw frames into it for the lifetime of one
// visit, and produces a metadata record describing the resulting file.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/mmap"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/ffmpegcmd"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/framebuffer"
	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
)

// EncoderExitError is kanyo's EncoderError raised when the encoder
// subprocess exits nonzero during recording (spec.md §7.4): logged, but
// the .tmp file is still renamed so partial data is recoverable.
type EncoderExitError struct{ Err error }

func (e *EncoderExitError) Error() string { return "recorder: encoder exited: " + e.Err.Error() }
func (e *EncoderExitError) Unwrap() error { return e.Err }

// StallError is kanyo's EncoderStall (spec.md §7.5): the encoder's stdin
// was not writable within the non-blocking timeout; the frame was dropped
// and recording continues.
type StallError struct{}

func (e *StallError) Error() string { return "recorder: encoder stdin stalled, frame dropped" }

const writeTimeout = 500 * time.Millisecond
const stopDrainTimeout = 30 * time.Second

// EventMarker is one entry in a VisitRecording's ordered event list.
type EventMarker struct {
	Type          string         `json:"type"`
	OffsetSeconds float64        `json:"offset_seconds"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Recording is the finalized metadata record stop_recording returns
// (spec.md §4.5, §3 VisitRecording).
type Recording struct {
	VisitFile               string
	VisitStart              time.Time
	VisitEnd                time.Time
	RecordingStart           time.Time
	DurationSeconds          float64
	RecordingDurationSeconds float64
	FrameCount               int64
	FPS                      int
	Events                   []EventMarker
}

// Options configures one visit's recording.
type Options struct {
	ClipsDir       string
	FFmpegPath     string
	Encoder        ffmpegcmd.Encoder
	Width, Height  int
	FPS            int
	CRF            int
	LeadInSeconds  float64
	Location       *time.Location
}

// Recorder owns exactly one active recording at a time per stream
// (spec.md invariant 1): idle or recording, never both.
type Recorder struct {
	mu sync.Mutex

	opts Options
	log  *logging.Logger

	cmd        *exec.Cmd
	stdin      *os.File
	stderrFile *os.File
	tmpPath    string
	finalPath  string

	visitStart     time.Time
	recordingStart time.Time
	frameCount     int64
	events         []EventMarker
}

// New returns an idle Recorder.
func New(opts Options, log *logging.Logger) *Recorder {
	return &Recorder{opts: opts, log: log}
}

// Recording reports whether a visit recording is currently active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd != nil
}

// StartRecording composes the target path, launches the encoder subprocess,
// writes lead_in_frames, and records visit_start/recording_start. If a
// recording is already active, it is force-stopped first at "now" (spec.md
// §4.5).
func (r *Recorder) StartRecording(ctx context.Context, arrivalTime time.Time, leadIn []framebuffer.BufferedFrame) error {
	r.mu.Lock()
	alreadyRecording := r.cmd != nil
	r.mu.Unlock()
	if alreadyRecording {
		if _, err := r.StopRecording(ctx, time.Now()); err != nil {
			r.log.Warning("force-stopping prior recording before new start_recording", zap.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	local := arrivalTime.In(r.opts.Location)
	dateDir := local.Format("2006-01-02")
	dir := filepath.Join(r.opts.ClipsDir, dateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir: %w", err)
	}
	name := fmt.Sprintf("falcon_%s_visit.mp4", local.Format("150405"))
	r.finalPath = filepath.Join(dir, name)
	r.tmpPath = r.finalPath + ".tmp"

	stderrPath := r.tmpPath + ".stderr.log"
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return fmt.Errorf("recorder: create stderr log: %w", err)
	}

	args := ffmpegcmd.RawVideoSinkArgs(r.opts.Encoder, r.opts.Width, r.opts.Height, r.opts.FPS, r.opts.CRF, r.tmpPath)
	cmd := exec.CommandContext(context.Background(), r.opts.FFmpegPath, args...)
	// Critical: stderr goes to a file, never a pipe. A pipe would
	// back-pressure once its buffer fills; the encoder would stop reading
	// stdin, our writer would block, and the detection loop would
	// deadlock (spec.md §4.5 stderr-discipline invariant, §9).
	cmd.Stderr = stderrFile

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		_ = stderrFile.Close()
		return fmt.Errorf("recorder: stdin pipe: %w", err)
	}
	stdinFile, ok := stdinPipe.(*os.File)
	if !ok {
		_ = stderrFile.Close()
		return fmt.Errorf("recorder: stdin pipe is not a deadline-capable file")
	}

	if err := cmd.Start(); err != nil {
		_ = stderrFile.Close()
		return fmt.Errorf("recorder: start encoder: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdinFile
	r.stderrFile = stderrFile
	r.visitStart = arrivalTime
	r.recordingStart = arrivalTime.Add(-time.Duration(r.opts.LeadInSeconds * float64(time.Second)))
	r.frameCount = 0
	r.events = nil

	for _, bf := range leadIn {
		if err := r.writeJPEGLocked(bf.JPEG); err != nil {
			r.log.Warning("dropped lead-in frame", zap.Error(err))
		}
	}
	r.appendEventLocked("arrival", arrivalTime, nil)
	return nil
}

// WriteFrame performs the 0.5s non-blocking writable check on the
// encoder's stdin (spec.md §4.5): on timeout the frame is dropped and a
// StallError is returned, but the recording continues.
func (r *Recorder) WriteFrame(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stdin == nil {
		return fmt.Errorf("recorder: not recording")
	}
	return r.writeRawLocked(raw)
}

func (r *Recorder) writeRawLocked(raw []byte) error {
	if err := r.stdin.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		// Some platforms/pipe kinds don't support deadlines; fall back to
		// a blocking write rather than failing outright.
		if _, err := r.stdin.Write(raw); err != nil {
			return fmt.Errorf("recorder: write frame: %w", err)
		}
		r.frameCount++
		return nil
	}
	_, err := r.stdin.Write(raw)
	_ = r.stdin.SetWriteDeadline(time.Time{})
	if err != nil {
		if isTimeout(err) {
			r.log.Warning("encoder stdin not writable within 500ms, dropping frame")
			return &StallError{}
		}
		return fmt.Errorf("recorder: write frame: %w", err)
	}
	r.frameCount++
	return nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

// writeJPEGLocked decodes a buffered JPEG frame and writes it as raw BGR24,
// used for lead-in frames. Caller holds r.mu.
func (r *Recorder) writeJPEGLocked(data []byte) error {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode lead-in frame: %w", err)
	}
	raw := make([]byte, r.opts.Width*r.opts.Height*3)
	b := img.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Min.Y+r.opts.Height && y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Min.X+r.opts.Width && x < b.Max.X; x++ {
			red, g, bl, _ := img.At(x, y).RGBA()
			raw[i] = byte(bl >> 8)
			raw[i+1] = byte(g >> 8)
			raw[i+2] = byte(red >> 8)
			i += 3
		}
	}
	return r.writeRawLocked(raw)
}

// LogEvent appends {type, offset_seconds, timestamp, metadata} to the
// in-memory event list (spec.md §4.5).
func (r *Recorder) LogEvent(kind string, ts time.Time, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendEventLocked(kind, ts, metadata)
}

func (r *Recorder) appendEventLocked(kind string, ts time.Time, metadata map[string]any) {
	offset := 0.0
	if r.opts.FPS > 0 {
		offset = float64(r.frameCount) / float64(r.opts.FPS)
	}
	r.events = append(r.events, EventMarker{Type: kind, OffsetSeconds: offset, Timestamp: ts, Metadata: metadata})
}

// StopRecording appends a departure marker, closes stdin, waits up to 30s
// for the encoder to drain (killing it on timeout), renames the .tmp file
// to its final name, and returns the finalized metadata (spec.md §4.5).
func (r *Recorder) StopRecording(ctx context.Context, departureTime time.Time) (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil {
		return Recording{}, fmt.Errorf("recorder: not recording")
	}

	r.appendEventLocked("departure", departureTime, nil)

	_ = r.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- r.cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(stopDrainTimeout):
		_ = r.cmd.Process.Kill()
		waitErr = <-done
	}

	_ = r.stderrFile.Close()

	if err := os.Rename(r.tmpPath, r.finalPath); err != nil {
		r.cleanupLocked()
		return Recording{}, fmt.Errorf("recorder: rename visit file: %w", err)
	}
	_ = os.Remove(r.stderrFile.Name())

	rec := Recording{
		VisitFile:                r.finalPath,
		VisitStart:               r.visitStart,
		VisitEnd:                 departureTime,
		RecordingStart:           r.recordingStart,
		DurationSeconds:          departureTime.Sub(r.visitStart).Seconds(),
		RecordingDurationSeconds: float64(r.frameCount) / float64(maxInt(r.opts.FPS, 1)),
		FrameCount:               r.frameCount,
		FPS:                      r.opts.FPS,
		Events:                   r.events,
	}

	var retErr error
	if waitErr != nil {
		retErr = &EncoderExitError{Err: waitErr}
		r.log.Warning("encoder exited nonzero during recording; visit file kept", zap.Error(waitErr))
	}

	r.cleanupLocked()
	return rec, retErr
}

func (r *Recorder) cleanupLocked() {
	r.cmd = nil
	r.stdin = nil
	r.stderrFile = nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ExtractFromFile runs the encoder subprocess as a demuxer to produce a
// stream-copy sub-clip (no re-encode): `-ss start -t duration -c copy`.
// This is the static path used for arrival and departure sub-clips
// (spec.md §4.5).
func ExtractFromFile(ctx context.Context, ffmpegPath, inPath string, startSeconds, durationSeconds float64, outPath string) error {
	if err := checkReadable(inPath); err != nil {
		return fmt.Errorf("recorder: extract clip: %w", err)
	}
	args := ffmpegcmd.RemuxArgs(inPath, startSeconds, durationSeconds, outPath)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("recorder: extract clip: %w (%s)", err, string(out))
	}
	return nil
}

// ExtractThumbnail pulls a single JPEG frame at offsetSeconds into inPath,
// the visit-end thumbnail spec.md §3/§6 names as VisitRecord.ThumbnailPath
// (spec.md §4.6).
func ExtractThumbnail(ctx context.Context, ffmpegPath, inPath string, offsetSeconds float64, outPath string) error {
	if err := checkReadable(inPath); err != nil {
		return fmt.Errorf("recorder: extract thumbnail: %w", err)
	}
	args := ffmpegcmd.ThumbnailArgs(inPath, offsetSeconds, outPath)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("recorder: extract thumbnail: %w (%s)", err, string(out))
	}
	return nil
}

// checkReadable peeks at inPath via mmap before handing it to ffmpeg, the
// same efficient-peek-without-a-full-read approach the teacher used for
// MJPEG frame extraction, adapted here to reject empty or unreadable visit
// files before spawning a subprocess for them.
func checkReadable(inPath string) error {
	r, err := mmap.Open(inPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer r.Close()
	if r.Len() == 0 {
		return fmt.Errorf("recording %s is empty", inPath)
	}
	return nil
}
