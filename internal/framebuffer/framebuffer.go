// Package framebuffer implements kanyo's in-memory rolling ring of
// JPEG-compressed frames (spec.md §4.3): fixed capacity, FIFO eviction,
// never re-ordered, never compressed twice. A ring, not a generic queue —
// spec.md §9 is explicit that an unbounded queue would mask lag between
// capture and downstream consumers and produce misleading timestamps.
package framebuffer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"sync"
	"time"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/ffmpegcmd"
)

// BufferedFrame is a JPEG byte string plus timestamp and frame number
// (spec.md §3).
type BufferedFrame struct {
	JPEG      []byte
	Timestamp time.Time
	FrameNum  int64
}

// Buffer is a fixed-capacity ring of BufferedFrame, capacity =
// buffer_seconds * fps.
type Buffer struct {
	mu       sync.Mutex
	frames   []BufferedFrame
	capacity int
	head     int // index of the oldest frame
	size     int
}

// New returns a ring sized for bufferSeconds*fps frames.
func New(bufferSeconds, fps int) *Buffer {
	cap := bufferSeconds * fps
	if cap < 1 {
		cap = 1
	}
	return &Buffer{frames: make([]BufferedFrame, cap), capacity: cap}
}

// AddFrame JPEG-compresses img at quality and pushes it onto the ring,
// evicting the oldest frame in FIFO order if full.
func (b *Buffer) AddFrame(img image.Image, quality int, ts time.Time, frameNum int64) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("framebuffer: encode jpeg: %w", err)
	}
	b.AddJPEG(buf.Bytes(), ts, frameNum)
	return nil
}

// AddJPEG pushes an already-encoded JPEG frame (used by capture paths that
// receive already-compressed frames, and by tests).
func (b *Buffer) AddJPEG(data []byte, ts time.Time, frameNum int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.head + b.size) % b.capacity
	if b.size == b.capacity {
		// full: overwrite the oldest slot and advance head (FIFO eviction)
		b.frames[b.head] = BufferedFrame{JPEG: data, Timestamp: ts, FrameNum: frameNum}
		b.head = (b.head + 1) % b.capacity
		return
	}
	b.frames[idx] = BufferedFrame{JPEG: data, Timestamp: ts, FrameNum: frameNum}
	b.size++
}

// Len returns the current number of buffered frames; always <= capacity
// (spec.md §8 buffer-capacity invariant).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// snapshot returns a defensive copy of the buffered frames in chronological
// order, guarded by the buffer's lock so extraction on another goroutine is
// safe per spec.md §5's shared-resource policy.
func (b *Buffer) snapshot() []BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BufferedFrame, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.frames[(b.head+i)%b.capacity]
	}
	return out
}

// FramesInRange returns buffered frames with start <= timestamp <= end, in
// chronological order.
func (b *Buffer) FramesInRange(start, end time.Time) []BufferedFrame {
	all := b.snapshot()
	var out []BufferedFrame
	for _, f := range all {
		if !f.Timestamp.Before(start) && !f.Timestamp.After(end) {
			out = append(out, f)
		}
	}
	return out
}

// FramesBefore is a convenience for the range [t-seconds, t].
func (b *Buffer) FramesBefore(t time.Time, seconds float64) []BufferedFrame {
	start := t.Add(-time.Duration(seconds * float64(time.Second)))
	return b.FramesInRange(start, t)
}

// Recent returns the range ending at the newest buffered timestamp.
func (b *Buffer) Recent(seconds float64) []BufferedFrame {
	all := b.snapshot()
	if len(all) == 0 {
		return nil
	}
	newest := all[len(all)-1].Timestamp
	start := newest.Add(-time.Duration(seconds * float64(time.Second)))
	return b.FramesInRange(start, newest)
}

// ExtractClip decodes frames in [start, end], pipes them as raw BGR24 into
// an ffmpeg subprocess using enc (hardware encoder if available), producing
// outPath. This is the "direct-from-buffer clip" path of spec.md §4.6.
func (b *Buffer) ExtractClip(ctx context.Context, ffmpegPath string, enc ffmpegcmd.Encoder, start, end time.Time, outPath string, fps, crf int) error {
	frames := b.FramesInRange(start, end)
	if len(frames) == 0 {
		return fmt.Errorf("framebuffer: no frames in range [%s, %s]", start, end)
	}

	first, err := jpeg.Decode(bytes.NewReader(frames[0].JPEG))
	if err != nil {
		return fmt.Errorf("framebuffer: decode first frame: %w", err)
	}
	bounds := first.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	args := ffmpegcmd.RawVideoSinkArgs(enc, width, height, fps, crf, outPath)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("framebuffer: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("framebuffer: start ffmpeg: %w", err)
	}

	writeErr := writeRawFrames(stdin, frames, width, height)
	_ = stdin.Close()
	waitErr := cmd.Wait()
	if writeErr != nil {
		return fmt.Errorf("framebuffer: write frames: %w", writeErr)
	}
	if waitErr != nil {
		return fmt.Errorf("framebuffer: ffmpeg exited: %w", waitErr)
	}
	return nil
}

func writeRawFrames(w interface{ Write([]byte) (int, error) }, frames []BufferedFrame, width, height int) error {
	for _, f := range frames {
		img, err := jpeg.Decode(bytes.NewReader(f.JPEG))
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", f.FrameNum, err)
		}
		raw := toBGR24(img, width, height)
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("write frame %d: %w", f.FrameNum, err)
		}
	}
	return nil
}

// toBGR24 packs img into raw BGR24 bytes at width*height, matching the pixel
// format the encoder subprocess's stdin declares (spec.md §4.5, §6).
func toBGR24(img image.Image, width, height int) []byte {
	out := make([]byte, width*height*3)
	b := img.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Min.Y+height && y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Min.X+width && x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out[i] = byte(bl >> 8)
			out[i+1] = byte(g >> 8)
			out[i+2] = byte(r >> 8)
			i += 3
		}
	}
	return out
}
