// Package capture implements kanyo's stream capture lifecycle (spec.md
// §4.4): resolve the source URL through an external resolver subprocess
// when needed, decode frames with auto-reconnect, and enforce the
// resolver's fallback/cooldown recovery policy.
package capture

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sageframe-no-kaji/kanyo-contemplating-falcons-dev-sub000/internal/logging"
)

// Frame is a decoded BGR image handed off by the capture loop (spec.md §3).
// Transient: owned by the reader until handed to the caller of ReadFrame.
type Frame struct {
	Data      []byte // BGR24, width*height*3 bytes
	Width     int
	Height    int
	Num       int64
	Timestamp time.Time
}

// ResolverError is kanyo's ResolverError (spec.md §7.2): the external URL
// resolver exited nonzero. Recoverable via a fallback client; otherwise
// triggers the cooldown path.
type ResolverError struct {
	Output string
	Err    error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("capture: resolver failed: %v (%s)", e.Err, strings.TrimSpace(e.Output))
}
func (e *ResolverError) Unwrap() error { return e.Err }

// TransientStreamError is spec.md's TransientStreamError (§7.3): a read
// returned no frame or the decoder reported EOF. Triggers reconnect.
type TransientStreamError struct {
	Err error
}

func (e *TransientStreamError) Error() string { return "capture: transient read failure: " + e.Err.Error() }
func (e *TransientStreamError) Unwrap() error { return e.Err }

// contentPlatformHosts is the host match list that decides whether a source
// URL needs resolving via the external resolver subprocess before a decoder
// can consume it.
var contentPlatformHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"youtu.be":        true,
	"twitch.tv":       true,
	"www.twitch.tv":   true,
}

// Options configures a StreamCapture.
type Options struct {
	ResolverPath            string
	FFmpegPath               string
	MaxHeight                int
	ReconnectDelay           time.Duration
	RecoveryCooldown         time.Duration
	Location                 *time.Location
	Width, Height, FPS       int
}

// StreamCapture owns one stream's external decoder subprocess and resolver
// state. Lifecycle: Connect -> (ReadFrame)* -> Disconnect, with Reconnect
// defined as Disconnect + sleep(reconnect_delay) + Connect.
type StreamCapture struct {
	opts Options
	log  *logging.Logger

	cmd       *exec.Cmd
	stdout    *bufio.Reader
	cancel    context.CancelFunc
	frameNum  int64

	fallbackUsed bool
}

// New constructs a StreamCapture; it does not connect until Connect is called.
func New(opts Options, log *logging.Logger) *StreamCapture {
	return &StreamCapture{opts: opts, log: log}
}

// needsResolver reports whether source's host is a content-platform URL
// that must be resolved to a direct media URL first.
func needsResolver(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return contentPlatformHosts[strings.ToLower(u.Hostname())]
}

// resolve invokes the external resolver subprocess (yt-dlp-equivalent) with
// -f "best[height<=max_height]" -g, applying the "Precondition check
// failed" fallback-then-cooldown recovery policy spec.md §4.4 describes.
func (c *StreamCapture) resolve(ctx context.Context, source string) (string, error) {
	direct, err := c.runResolver(ctx, source, false)
	if err == nil {
		c.fallbackUsed = false
		return direct, nil
	}

	var rerr *ResolverError
	if resolverErrorMatches(err, "Precondition check failed") {
		c.log.Warning("resolver precondition check failed, retrying with fallback client",
			zap.Error(err))
		direct, ferr := c.runResolver(ctx, source, true)
		if ferr == nil {
			c.fallbackUsed = true
			return direct, nil
		}
		err = ferr
		rerr, _ = ferr.(*ResolverError)
		_ = rerr
	}

	c.log.Warning("resolver failed after fallback, entering recovery cooldown",
		zap.Duration("cooldown", c.opts.RecoveryCooldown), zap.Error(err))
	select {
	case <-time.After(c.opts.RecoveryCooldown):
	case <-ctx.Done():
	}
	return "", err
}

func resolverErrorMatches(err error, substr string) bool {
	var rerr *ResolverError
	if re, ok := err.(*ResolverError); ok {
		rerr = re
	} else {
		return false
	}
	return strings.Contains(rerr.Output, substr) || strings.Contains(rerr.Error(), substr)
}

func (c *StreamCapture) runResolver(ctx context.Context, source string, fallbackClient bool) (string, error) {
	args := []string{"-f", fmt.Sprintf("best[height<=%d]", c.opts.MaxHeight), "-g"}
	if fallbackClient {
		args = append(args, "--extractor-args", "youtube:player_client=android")
	}
	args = append(args, source)

	cmd := exec.CommandContext(ctx, c.opts.ResolverPath, args...)
	out, err := cmd.Output()
	if err != nil {
		combined := string(out)
		if ee, ok := err.(*exec.ExitError); ok {
			combined += string(ee.Stderr)
		}
		return "", &ResolverError{Output: combined, Err: err}
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
	}
	return "", &ResolverError{Output: string(out), Err: fmt.Errorf("empty resolver output")}
}

// Connect resolves source if needed and starts the decoder subprocess
// producing raw BGR24 frames on its stdout.
func (c *StreamCapture) Connect(ctx context.Context, source string) error {
	direct := source
	if needsResolver(source) {
		resolved, err := c.resolve(ctx, source)
		if err != nil {
			return err
		}
		direct = resolved
	}

	runCtx, cancel := context.WithCancel(ctx)
	args := []string{
		"-loglevel", "error",
		"-i", direct,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
	}
	if c.opts.Width > 0 && c.opts.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", c.opts.Width, c.opts.Height))
	}
	if c.opts.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", c.opts.FPS))
	}
	args = append(args, "pipe:1")

	cmd := exec.CommandContext(runCtx, c.opts.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("capture: start decoder: %w", err)
	}

	c.cmd = cmd
	c.stdout = bufio.NewReaderSize(stdout, 1<<20)
	c.cancel = cancel
	c.frameNum = 0
	return nil
}

// Disconnect terminates the decoder subprocess.
func (c *StreamCapture) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.cmd != nil {
		_ = c.cmd.Wait()
	}
	c.cmd = nil
	c.stdout = nil
}

// Reconnect is Disconnect + sleep(reconnect_delay) + Connect.
func (c *StreamCapture) Reconnect(ctx context.Context, source string) error {
	c.Disconnect()
	select {
	case <-time.After(c.opts.ReconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Connect(ctx, source)
}

// ReadFrame reads one raw BGR24 frame from the decoder's stdout.
func (c *StreamCapture) ReadFrame() (Frame, error) {
	if c.stdout == nil {
		return Frame{}, &TransientStreamError{Err: fmt.Errorf("not connected")}
	}
	size := c.opts.Width * c.opts.Height * 3
	buf := make([]byte, size)
	if _, err := readFull(c.stdout, buf); err != nil {
		return Frame{}, &TransientStreamError{Err: err}
	}
	c.frameNum++
	return Frame{
		Data:      buf,
		Width:     c.opts.Width,
		Height:    c.opts.Height,
		Num:       c.frameNum,
		Timestamp: time.Now().In(c.opts.Location),
	}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Frames returns a lazy pull function yielding frames whose session-local
// counter is a multiple of skip (skip<=1 yields every frame). If a read
// fails, the caller is expected to Reconnect and call Frames again — this
// function does not reconnect itself, matching the ownership split of
// spec.md §4.4 ("if a read returns no frame, capture reconnects; if
// reconnect fails, the sequence ends" is the monitor's loop, not this
// iterator's job, since Go has no generator primitive to keep it penned up
// here without an extra goroutine).
func (c *StreamCapture) Frames(skip int) func() (Frame, error, bool) {
	if skip < 1 {
		skip = 1
	}
	return func() (Frame, error, bool) {
		for {
			f, err := c.ReadFrame()
			if err != nil {
				return Frame{}, err, false
			}
			if f.Num%int64(skip) == 0 {
				return f, nil, true
			}
		}
	}
}

// FallbackUsed reports whether the most recent successful resolve used the
// fallback extractor-args client. Cleared on any fresh successful resolve.
func (c *StreamCapture) FallbackUsed() bool { return c.fallbackUsed }
